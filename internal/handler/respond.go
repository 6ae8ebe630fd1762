package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/clearconsent/internal/apperr"
	appI18n "github.com/pavelanni/clearconsent/internal/i18n"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// messageIDs maps error kinds to locale message IDs.
var messageIDs = map[apperr.Kind]string{
	apperr.KindInvalid:           "ErrInvalid",
	apperr.KindGenerationFailure: "ErrGenerationFailure",
	apperr.KindSchemaViolation:   "ErrSchemaViolation",
	apperr.KindNotFound:          "ErrNotFound",
	apperr.KindStateViolation:    "ErrStateViolation",
	apperr.KindInternal:          "ErrInternal",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError renders err as a localized JSON error. Internal errors are
// logged and never echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	resp := errorResponse{
		Error: appI18n.T(r.Context(), messageIDs[kind]),
		Code:  string(kind),
	}
	if e, ok := apperr.As(err); ok && kind != apperr.KindGenerationFailure {
		resp.Detail = e.Message
	}
	if kind == apperr.KindInternal || kind == apperr.KindGenerationFailure {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if e, ok := apperr.As(err); ok && e.Retryable() {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, apperr.HTTPStatus(err), resp)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="clearconsent"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{
		Error: appI18n.T(r.Context(), "ErrUnauthorized"),
		Code:  "unauthorized",
	})
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, apperr.Invalid("malformed request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid("invalid request: %v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return apperr.Invalid("invalid fields: %s", strings.Join(fields, ", "))
}
