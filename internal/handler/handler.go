package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/clearconsent/internal/consent"
	appI18n "github.com/pavelanni/clearconsent/internal/i18n"
	"github.com/pavelanni/clearconsent/internal/model"
	"github.com/pavelanni/clearconsent/internal/store"
)

// maxBodyBytes bounds request bodies; consent forms arrive as plain text.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc      *consent.Service
	store    *store.Store
	config   model.ServerConfig
	validate *validator.Validate
}

// New creates a new Handler.
func New(svc *consent.Service, s *store.Store, cfg model.ServerConfig) (*Handler, error) {
	return &Handler{
		svc:      svc,
		store:    s,
		config:   cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.With(h.requireUploadKey).Post("/documents", h.handleUpload)
		r.Get("/explainer/{documentID}", h.handleExplainer)
		r.Post("/sessions/{sessionID}/name", h.handleSetName)
		r.Post("/sessions/{sessionID}/retry", h.handleRetry)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Post("/verify", h.handleVerify)
		r.Get("/certificate/{verificationID}", h.handleCertificate)
		r.Post("/explain-term", h.handleExplainTerm)
	})
}

// BasePathMiddleware stores the configured base path in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	DoctorName    string `json:"doctorName" validate:"required"`
	ProcedureName string `json:"procedureName" validate:"required"`
	Text          string `json:"text" validate:"required"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Upload(r.Context(), consent.UploadRequest{
		DoctorName:    req.DoctorName,
		ProcedureName: req.ProcedureName,
		SourceText:    req.Text,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	res.PatientLink = model.BasePathFromContext(r.Context()) + res.PatientLink
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleExplainer(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.OpenSession(r.Context(), chi.URLParam(r, "documentID"), requestOrigin(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type nameRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

func (h *Handler) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.svc.SetName(r.Context(), chi.URLParam(r, "sessionID"), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Retry(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type verifyRequest struct {
	SessionID   string         `json:"sessionId" validate:"required"`
	PatientName string         `json:"patientName" validate:"max=200"`
	Answers     []model.Answer `json:"answers" validate:"required,min=1"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Submit(r.Context(), consent.SubmitRequest{
		SessionID:   req.SessionID,
		PatientName: req.PatientName,
		Answers:     req.Answers,
		Origin:      requestOrigin(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg := appI18n.Td(r.Context(), "ScoreSummary", map[string]any{
		"Correct": res.Correct,
		"Total":   res.Total,
		"Score":   res.Score,
	})
	if n := len(res.RemediationTopics); n > 0 {
		msg += " " + appI18n.Tp(r.Context(), "TopicsToReview", n)
	}
	writeJSON(w, http.StatusOK, verifyResponse{SubmitResult: res, Message: msg})
}

type verifyResponse struct {
	consent.SubmitResult
	Message string `json:"message"`
}

type certificateResponse struct {
	Title string `json:"title"`
	model.Certificate
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.svc.Certificate(r.Context(), chi.URLParam(r, "verificationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse{Title: appI18n.T(r.Context(), "CertificateTitle"), Certificate: cert})
}

type termRequest struct {
	Term    string `json:"term" validate:"required,max=200"`
	Context string `json:"context" validate:"max=2000"`
}

func (h *Handler) handleExplainTerm(w http.ResponseWriter, r *http.Request) {
	var req termRequest
	if !h.decode(w, r, &req) {
		return
	}
	text, err := h.svc.ExplainTerm(r.Context(), req.Term, req.Context)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"term": req.Term, "explanation": text})
}

// requestOrigin returns the client address as reported by a proxy, or
// "unknown". The header value is recorded verbatim.
func requestOrigin(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	return consent.UnknownOrigin
}
