// Package certificate renders comprehension certificates from passing
// verifications. Certificates are projections of immutable rows and are never
// stored, so the legal statement always reflects the current template.
package certificate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"
)

const legalStatementText = `This document certifies that {{.PatientName}} has been presented with a plain-language explanation of the informed consent for "{{.ProcedureName}}" and has demonstrated comprehension by correctly answering {{.Score}}% of verification questions. This verification complies with informed consent requirements under FDA 21 CFR 50.20 and supports the standard of care for patient education per AMA guidelines.`

// DefaultTemplate is the legal statement used when an Issuer has none.
var DefaultTemplate = template.Must(template.New("legal").Parse(legalStatementText))

// TimeFormat is the layout used for every timestamp on a certificate.
const TimeFormat = time.RFC3339

// Issuer renders certificates.
type Issuer struct {
	Template *template.Template
}

// New returns an Issuer using DefaultTemplate.
func New() *Issuer {
	return &Issuer{Template: DefaultTemplate}
}

type statementData struct {
	PatientName   string
	ProcedureName string
	Score         int
}

// Issue builds the certificate for v. The verification must have passed;
// asking for a certificate of a failed attempt is a caller error.
func (i *Issuer) Issue(v model.Verification, s model.Session, d model.Document) (model.Certificate, error) {
	if !v.Passed {
		return model.Certificate{}, apperr.StateViolation("verification %s did not pass", v.ID)
	}
	if v.SessionID != s.ID || s.DocumentID != d.ID {
		return model.Certificate{}, apperr.StateViolation("verification %s does not belong to session %s", v.ID, s.ID)
	}

	var patient string
	if s.PatientName != nil {
		patient = *s.PatientName
	}

	tmpl := i.Template
	if tmpl == nil {
		tmpl = DefaultTemplate
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, statementData{
		PatientName:   patient,
		ProcedureName: d.ProcedureName,
		Score:         v.Score,
	}); err != nil {
		return model.Certificate{}, fmt.Errorf("render legal statement: %w", err)
	}

	answers := make([]model.AnswerResult, len(v.Results))
	copy(answers, v.Results)

	c := model.Certificate{
		ID:             v.ID,
		PatientName:    patient,
		ProcedureName:  d.ProcedureName,
		DoctorName:     d.DoctorName,
		Score:          v.Score,
		Passed:         v.Passed,
		VerifiedAt:     v.VerifiedAt.UTC().Format(TimeFormat),
		SessionStarted: s.StartedAt.UTC().Format(TimeFormat),
		Origin:         v.Origin,
		Answers:        answers,
		LegalStatement: buf.String(),
	}

	digest, err := Digest(c)
	if err != nil {
		return model.Certificate{}, err
	}
	c.Digest = digest
	return c, nil
}

// Digest returns the hex SHA-256 of c's canonical JSON with the Digest field
// cleared. Recomputing it over a served certificate detects edits.
func Digest(c model.Certificate) (string, error) {
	c.Digest = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal certificate: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether c carries the digest of its own content.
func Verify(c model.Certificate) bool {
	want, err := Digest(c)
	return err == nil && want == c.Digest
}
