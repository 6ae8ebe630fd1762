package model

import (
	"context"
	"time"
)

// QuestionCount is the number of quiz questions every explainer must carry.
const QuestionCount = 7

// ReadingLevel is the target reading level recorded with each explainer.
const ReadingLevel = "6th grade"

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

// SessionState is the position of a patient session in the comprehension flow.
type SessionState string

const (
	// StateCreated means the session row exists and no name has been entered.
	StateCreated SessionState = "created"
	// StateNamed means the patient entered a name and is reading the key points.
	StateNamed SessionState = "named"
	// StateSubmitted means all answers are in and grading is under way. It is
	// never stored: grading and the outcome are recorded together.
	StateSubmitted SessionState = "submitted"
	// StatePassed is terminal: every answer was correct.
	StatePassed SessionState = "passed"
	// StateFailed means at least one answer was wrong; the patient may retry.
	StateFailed SessionState = "failed"
)

// Likelihood is the qualitative frequency of a risk.
type Likelihood string

const (
	LikelihoodRare     Likelihood = "rare"
	LikelihoodUncommon Likelihood = "uncommon"
	LikelihoodCommon   Likelihood = "common"
)

// Severity is the qualitative impact of a risk.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Document is an uploaded consent form. Never mutated after insert.
type Document struct {
	ID            string    `json:"id"`
	DoctorName    string    `json:"doctorName"`
	ProcedureName string    `json:"procedureName"`
	SourceText    string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// KeyPoint is one plain-language teaching point.
type KeyPoint struct {
	Title       string `json:"title" validate:"required"`
	Explanation string `json:"explanation" validate:"required"`
	Analogy     string `json:"analogy"`
	Icon        string `json:"icon"`
}

// MedicalTerm is a glossary entry. Grounded is false when the term does not
// occur anywhere in the generated key points or risks.
type MedicalTerm struct {
	Term       string `json:"term" validate:"required,notblank"`
	Definition string `json:"definition" validate:"required"`
	Analogy    string `json:"simpleAnalogy"`
	Grounded   bool   `json:"grounded"`
}

// RiskItem is one risk extracted from the consent form.
type RiskItem struct {
	Name              string     `json:"name" validate:"required"`
	Likelihood        Likelihood `json:"likelihood" validate:"required,oneof=rare uncommon common"`
	LikelihoodPercent *int       `json:"likelihoodPercent,omitempty" validate:"omitempty,min=0,max=100"`
	Severity          Severity   `json:"severity" validate:"required,oneof=low medium high"`
	Description       string     `json:"description"`
}

// Option is a multiple-choice answer. Its ID is stable regardless of display order.
type Option struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// QuizQuestion is a scenario-based comprehension question.
type QuizQuestion struct {
	ID              int      `json:"id"`
	Scenario        string   `json:"scenario"`
	Question        string   `json:"question" validate:"required"`
	Options         []Option `json:"options" validate:"min=2,dive"`
	CorrectID       string   `json:"correctId,omitempty" validate:"required"`
	Explanation     string   `json:"explanation,omitempty"`
	RelatedKeyPoint int      `json:"relatedKeyPoint"`
}

// ExplainerContent is the generated educational content for one document.
// Flags lists the grounding problems found while validating it.
type ExplainerContent struct {
	KeyPoints    []KeyPoint     `json:"keyPoints" validate:"min=1,dive"`
	MedicalTerms []MedicalTerm  `json:"medicalTerms" validate:"dive"`
	Risks        []RiskItem     `json:"risks" validate:"dive"`
	Questions    []QuizQuestion `json:"questions" validate:"dive"`
	Flags        []string       `json:"flags,omitempty"`
}

// Explainer is the persisted envelope around ExplainerContent.
type Explainer struct {
	ID           string           `json:"id"`
	DocumentID   string           `json:"documentId"`
	Content      ExplainerContent `json:"content"`
	ReadingLevel string           `json:"readingLevel"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Session is one patient's interaction with a document.
type Session struct {
	ID          string       `json:"id"`
	DocumentID  string       `json:"documentId"`
	PatientName *string      `json:"patientName"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Origin      string       `json:"origin"`
}

// Answer is a patient's choice for one question.
type Answer struct {
	QuestionID int    `json:"questionId"`
	SelectedID string `json:"selectedId"`
}

// AnswerResult is the graded outcome of one answer. CorrectID is nil when the
// question id did not match any canonical question.
type AnswerResult struct {
	QuestionID  int     `json:"questionId"`
	SelectedID  string  `json:"selectedId"`
	CorrectID   *string `json:"correctId"`
	IsCorrect   bool    `json:"isCorrect"`
	Explanation string  `json:"explanation"`
}

// Verification is one graded attempt. Immutable once created.
type Verification struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"sessionId"`
	Results           []AnswerResult `json:"results"`
	Score             int            `json:"score"`
	Passed            bool           `json:"passed"`
	RemediationTopics []string       `json:"remediationTopics,omitempty"`
	VerifiedAt        time.Time      `json:"verifiedAt"`
	Origin            string         `json:"origin"`
}

// Certificate is the attestation rendered from a passing verification.
// It is computed on demand and never stored.
type Certificate struct {
	ID             string         `json:"id"`
	PatientName    string         `json:"patientName"`
	ProcedureName  string         `json:"procedureName"`
	DoctorName     string         `json:"doctorName"`
	Score          int            `json:"score"`
	Passed         bool           `json:"passed"`
	VerifiedAt     string         `json:"verifiedAt"`
	SessionStarted string         `json:"sessionStarted"`
	Origin         string         `json:"ipAddress"`
	Answers        []AnswerResult `json:"answers"`
	LegalStatement string         `json:"legalStatement"`
	Digest         string         `json:"digest"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	BasePath      string // URL prefix for sub-path deployments
	UploadKeyHash []byte // bcrypt hash of the clinician upload key; nil disables the check
	Lang          string // default language for patient-facing messages
}
