package model

import "time"

// AuditExport is the top-level JSON structure for the verification audit export.
type AuditExport struct {
	GeneratedAt    time.Time     `json:"generated_at"`
	SchemaVersion  string        `json:"schema_version"`
	GeneratorModel string        `json:"generator_model,omitempty"`
	Count          int           `json:"count"`
	Records        []AuditRecord `json:"records"`
}

// AuditRecord joins one verification with the session and document it belongs to.
type AuditRecord struct {
	VerificationID    string         `json:"verification_id"`
	SessionID         string         `json:"session_id"`
	DocumentID        string         `json:"document_id"`
	ProcedureName     string         `json:"procedure_name"`
	DoctorName        string         `json:"doctor_name"`
	PatientName       string         `json:"patient_name"`
	AttemptNumber     int            `json:"attempt_number"`
	Score             int            `json:"score"`
	Passed            bool           `json:"passed"`
	RemediationTopics []string       `json:"remediation_topics,omitempty"`
	SessionStartedAt  time.Time      `json:"session_started_at"`
	VerifiedAt        time.Time      `json:"verified_at"`
	Origin            string         `json:"origin"`
	Answers           []AnswerResult `json:"answers"`
}
