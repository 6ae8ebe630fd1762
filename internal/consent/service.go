// Package consent wires the generator, session state machine, scorer and
// certificate issuer over a store.
package consent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/certificate"
	"github.com/pavelanni/clearconsent/internal/explainer"
	"github.com/pavelanni/clearconsent/internal/model"
	"github.com/pavelanni/clearconsent/internal/quiz"
	"github.com/pavelanni/clearconsent/internal/session"
)

// UnknownOrigin is recorded when a request carries no forwarding headers.
const UnknownOrigin = "unknown"

// Store is the persistence the service needs.
type Store interface {
	CreateDocumentWithExplainer(d model.Document, e model.Explainer) error
	GetDocument(id string) (model.Document, error)
	GetExplainerByDocument(documentID string) (model.Explainer, error)
	CreateSession(sess model.Session) error
	GetSession(id string) (model.Session, error)
	NameSession(id, name string, from, to model.SessionState) error
	TransitionSession(id string, from, to model.SessionState) error
	RecordVerification(v model.Verification, from, to model.SessionState) error
	GetVerification(id string) (model.Verification, error)
	ListVerificationsForSession(sessionID string) ([]model.Verification, error)
}

// Service runs the comprehension flow. It is safe for concurrent use; state
// changes are compare-and-set in the store.
type Service struct {
	store   Store
	builder *explainer.Builder
	issuer  *certificate.Issuer

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

// New creates a Service.
func New(st Store, builder *explainer.Builder, issuer *certificate.Issuer) *Service {
	if issuer == nil {
		issuer = certificate.New()
	}
	return &Service{
		store:   st,
		builder: builder,
		issuer:  issuer,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// UploadRequest is a clinician's consent form submission.
type UploadRequest struct {
	DoctorName    string `json:"doctorName"`
	ProcedureName string `json:"procedureName"`
	SourceText    string `json:"sourceText"`
}

// UploadResult identifies the stored document and the link to hand the patient.
type UploadResult struct {
	DocumentID  string   `json:"documentId"`
	ExplainerID string   `json:"explainerId"`
	PatientLink string   `json:"patientLink"`
	Flags       []string `json:"flags,omitempty"`
}

// Upload generates content for a consent form and stores the document with
// its explainer. Nothing is written unless generation and validation succeed.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	req.DoctorName = strings.TrimSpace(req.DoctorName)
	req.ProcedureName = strings.TrimSpace(req.ProcedureName)
	if req.DoctorName == "" {
		return UploadResult{}, apperr.Invalid("doctor name is required")
	}
	if err := explainer.CheckInput(req.ProcedureName, req.SourceText); err != nil {
		return UploadResult{}, err
	}

	content, err := s.builder.Generate(ctx, req.ProcedureName, req.SourceText)
	if err != nil {
		return UploadResult{}, err
	}

	now := s.Now()
	doc := model.Document{
		ID:            s.NewID(),
		DoctorName:    req.DoctorName,
		ProcedureName: req.ProcedureName,
		SourceText:    req.SourceText,
		CreatedAt:     now,
	}
	exp := model.Explainer{
		ID:           s.NewID(),
		DocumentID:   doc.ID,
		Content:      content,
		ReadingLevel: model.ReadingLevel,
		CreatedAt:    now,
	}
	if err := s.store.CreateDocumentWithExplainer(doc, exp); err != nil {
		slog.Error("failed to store document", "procedure", doc.ProcedureName, "error", err)
		return UploadResult{}, err
	}

	slog.Info("document uploaded", "document_id", doc.ID, "explainer_id", exp.ID, "procedure", doc.ProcedureName)
	return UploadResult{
		DocumentID:  doc.ID,
		ExplainerID: exp.ID,
		PatientLink: "/patient/" + doc.ID,
		Flags:       content.Flags,
	}, nil
}

// SessionView is what a patient sees when opening a document.
type SessionView struct {
	SessionID     string                 `json:"sessionId"`
	DocumentID    string                 `json:"documentId"`
	ProcedureName string                 `json:"procedureName"`
	DoctorName    string                 `json:"doctorName"`
	ReadingLevel  string                 `json:"readingLevel"`
	State         model.SessionState     `json:"state"`
	Content       model.ExplainerContent `json:"content"`
}

// OpenSession starts a new patient session on a document.
func (s *Service) OpenSession(ctx context.Context, documentID, origin string) (SessionView, error) {
	doc, err := s.store.GetDocument(documentID)
	if err != nil {
		return SessionView{}, err
	}
	exp, err := s.store.GetExplainerByDocument(documentID)
	if err != nil {
		return SessionView{}, err
	}

	sess := model.Session{
		ID:         s.NewID(),
		DocumentID: doc.ID,
		State:      model.StateCreated,
		StartedAt:  s.Now(),
		Origin:     normalizeOrigin(origin),
	}
	if err := s.store.CreateSession(sess); err != nil {
		return SessionView{}, err
	}
	slog.Info("session opened", "session_id", sess.ID, "document_id", doc.ID, "origin", sess.Origin)

	return SessionView{
		SessionID:     sess.ID,
		DocumentID:    doc.ID,
		ProcedureName: doc.ProcedureName,
		DoctorName:    doc.DoctorName,
		ReadingLevel:  exp.ReadingLevel,
		State:         sess.State,
		Content:       patientContent(exp.Content),
	}, nil
}

// patientContent hides the answer key and grounding flags.
func patientContent(c model.ExplainerContent) model.ExplainerContent {
	out := c
	out.Flags = nil
	out.Questions = make([]model.QuizQuestion, len(c.Questions))
	for i, q := range c.Questions {
		q.CorrectID = ""
		q.Explanation = ""
		q.Options = append([]model.Option(nil), q.Options...)
		out.Questions[i] = q
	}
	return out
}

// SetName records the patient's name. Only the first name is kept.
func (s *Service) SetName(ctx context.Context, sessionID, name string) (model.Session, error) {
	name, err := session.NormalizeName(name)
	if err != nil {
		return model.Session{}, err
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	to, err := session.Next(sess.State, session.EventName)
	if err != nil {
		return sess, err
	}
	if err := s.store.NameSession(sess.ID, name, sess.State, to); err != nil {
		return sess, err
	}
	return s.store.GetSession(sess.ID)
}

// SubmitRequest carries one attempt at the quiz.
type SubmitRequest struct {
	SessionID   string         `json:"sessionId"`
	PatientName string         `json:"patientName"`
	Answers     []model.Answer `json:"answers"`
	Origin      string         `json:"-"`
}

// SubmitResult is the graded attempt returned to the patient.
type SubmitResult struct {
	VerificationID    string               `json:"verificationId"`
	Score             int                  `json:"score"`
	Passed            bool                 `json:"passed"`
	Correct           int                  `json:"correct"`
	Total             int                  `json:"total"`
	Results           []model.AnswerResult `json:"results"`
	RemediationTopics []string             `json:"remediationTopics"`
	State             model.SessionState   `json:"state"`
}

// Submit grades a full answer set and records the verification. A session
// that is still unnamed is named from the request first. A failed session
// must be retried before it can submit again.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	sess, err := s.store.GetSession(req.SessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !session.CanSubmit(sess.State) {
		_, err := session.Next(sess.State, session.EventSubmit)
		return SubmitResult{}, err
	}

	exp, err := s.store.GetExplainerByDocument(sess.DocumentID)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := quiz.CheckAnswers(exp.Content.Questions, req.Answers); err != nil {
		return SubmitResult{}, err
	}

	if sess.State == model.StateCreated {
		if sess, err = s.SetName(ctx, sess.ID, req.PatientName); err != nil {
			return SubmitResult{}, err
		}
	}

	// submitted is never persisted: the named session moves straight to its
	// outcome in the same transaction that records the verification.
	submitted, err := session.Next(sess.State, session.EventSubmit)
	if err != nil {
		return SubmitResult{}, err
	}

	res := quiz.Score(exp.Content, req.Answers)
	ev := session.EventFail
	if res.Passed {
		ev = session.EventPass
	}
	final, err := session.Next(submitted, ev)
	if err != nil {
		return SubmitResult{}, err
	}

	v := model.Verification{
		ID:                s.NewID(),
		SessionID:         sess.ID,
		Results:           res.Results,
		Score:             res.Score,
		Passed:            res.Passed,
		RemediationTopics: res.RemediationTopics,
		VerifiedAt:        s.Now(),
		Origin:            normalizeOrigin(req.Origin),
	}
	if err := s.store.RecordVerification(v, sess.State, final); err != nil {
		slog.Error("failed to record verification", "session_id", sess.ID, "error", err)
		return SubmitResult{}, err
	}

	slog.Info("verification recorded",
		"session_id", sess.ID,
		"verification_id", v.ID,
		"score", v.Score,
		"passed", v.Passed,
	)
	return SubmitResult{
		VerificationID:    v.ID,
		Score:             res.Score,
		Passed:            res.Passed,
		Correct:           res.Correct,
		Total:             res.Total,
		Results:           res.Results,
		RemediationTopics: res.RemediationTopics,
		State:             final,
	}, nil
}

// Retry reopens a failed session for another attempt.
func (s *Service) Retry(ctx context.Context, sessionID string) (model.Session, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	to, err := session.Next(sess.State, session.EventRetry)
	if err != nil {
		return sess, err
	}
	if err := s.store.TransitionSession(sess.ID, sess.State, to); err != nil {
		return sess, err
	}
	return s.store.GetSession(sess.ID)
}

// Certificate renders the certificate for a passing verification.
func (s *Service) Certificate(ctx context.Context, verificationID string) (model.Certificate, error) {
	v, err := s.store.GetVerification(verificationID)
	if err != nil {
		return model.Certificate{}, err
	}
	if !v.Passed {
		return model.Certificate{}, apperr.StateViolation("verification %s did not pass", v.ID)
	}
	sess, err := s.store.GetSession(v.SessionID)
	if err != nil {
		return model.Certificate{}, err
	}
	doc, err := s.store.GetDocument(sess.DocumentID)
	if err != nil {
		return model.Certificate{}, err
	}
	return s.issuer.Issue(v, sess, doc)
}

// ExplainTerm asks the generator for a plain-language explanation of a term.
func (s *Service) ExplainTerm(ctx context.Context, term, procedureContext string) (string, error) {
	return s.builder.ExplainTerm(ctx, term, procedureContext)
}

// SessionDetail is a session together with its graded attempts.
type SessionDetail struct {
	Session       model.Session        `json:"session"`
	Verifications []model.Verification `json:"verifications"`
}

// GetSession returns a session and every verification recorded for it.
func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	vs, err := s.ListVerifications(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{Session: sess, Verifications: vs}, nil
}

// ListVerifications returns a session's attempts, oldest first.
func (s *Service) ListVerifications(ctx context.Context, sessionID string) ([]model.Verification, error) {
	vs, err := s.store.ListVerificationsForSession(sessionID)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		vs = []model.Verification{}
	}
	return vs, nil
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return UnknownOrigin
	}
	return origin
}
