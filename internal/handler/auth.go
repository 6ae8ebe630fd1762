package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireUploadKey is middleware that checks the clinician upload key sent as
// a bearer token against the configured bcrypt hash. With no hash configured
// uploads are open.
func (h *Handler) requireUploadKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.config.UploadKeyHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword(h.config.UploadKeyHash, []byte(key)); err != nil {
			slog.Warn("upload rejected", "origin", requestOrigin(r), "reason", "bad upload key")
			writeUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
