package certificate

import (
	"reflect"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"
)

func fixtures() (model.Verification, model.Session, model.Document) {
	name := "Jane Doe"
	correct := "b"
	d := model.Document{ID: "doc-1", DoctorName: "Dr. Smith", ProcedureName: "Colonoscopy"}
	s := model.Session{
		ID:          "sess-1",
		DocumentID:  d.ID,
		PatientName: &name,
		State:       model.StatePassed,
		StartedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	v := model.Verification{
		ID:        "ver-1",
		SessionID: s.ID,
		Results: []model.AnswerResult{
			{QuestionID: 1, SelectedID: "b", CorrectID: &correct, IsCorrect: true, Explanation: "because"},
		},
		Score:      100,
		Passed:     true,
		VerifiedAt: time.Date(2026, 3, 1, 9, 20, 0, 0, time.FixedZone("EST", -5*3600)),
		Origin:     "203.0.113.7",
	}
	return v, s, d
}

func TestIssue(t *testing.T) {
	v, s, d := fixtures()
	c, err := New().Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if c.PatientName != "Jane Doe" || c.ProcedureName != "Colonoscopy" || c.DoctorName != "Dr. Smith" {
		t.Errorf("unexpected labels: %+v", c)
	}
	if c.Score != 100 || !c.Passed {
		t.Errorf("unexpected score/passed: %d %v", c.Score, c.Passed)
	}
	if c.VerifiedAt != "2026-03-01T14:20:00Z" {
		t.Errorf("verifiedAt = %q, want UTC RFC3339", c.VerifiedAt)
	}
	if c.SessionStarted != "2026-03-01T09:00:00Z" {
		t.Errorf("sessionStarted = %q", c.SessionStarted)
	}
	if c.Origin != "203.0.113.7" {
		t.Errorf("origin = %q", c.Origin)
	}
	for _, want := range []string{"Jane Doe", `"Colonoscopy"`, "100%", "FDA 21 CFR 50.20"} {
		if !strings.Contains(c.LegalStatement, want) {
			t.Errorf("legal statement missing %q: %s", want, c.LegalStatement)
		}
	}
	if len(c.Digest) != 64 {
		t.Errorf("digest length = %d, want 64", len(c.Digest))
	}
}

func TestIssueIsIdempotent(t *testing.T) {
	v, s, d := fixtures()
	iss := New()
	first, err := iss.Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := iss.Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("certificates differ:\n%+v\n%+v", first, second)
	}
}

func TestIssueRejectsFailedVerification(t *testing.T) {
	v, s, d := fixtures()
	v.Passed = false
	v.Score = 71
	_, err := New().Issue(v, s, d)
	if !apperr.Is(err, apperr.KindStateViolation) {
		t.Fatalf("expected state violation, got %v", err)
	}
}

func TestIssueRejectsMismatchedRows(t *testing.T) {
	v, s, d := fixtures()
	v.SessionID = "other"
	if _, err := New().Issue(v, s, d); !apperr.Is(err, apperr.KindStateViolation) {
		t.Fatalf("expected state violation, got %v", err)
	}
}

func TestIssueDoesNotAliasAnswers(t *testing.T) {
	v, s, d := fixtures()
	c, err := New().Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v.Results[0].SelectedID = "changed"
	if c.Answers[0].SelectedID != "b" {
		t.Error("certificate answers alias the verification's results")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	v, s, d := fixtures()
	c, err := New().Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !Verify(c) {
		t.Fatal("fresh certificate should verify")
	}
	c.Score = 99
	if Verify(c) {
		t.Error("edited certificate should not verify")
	}
}

func TestCustomTemplate(t *testing.T) {
	v, s, d := fixtures()
	iss := &Issuer{Template: template.Must(template.New("t").Parse("{{.PatientName}}|{{.ProcedureName}}|{{.Score}}"))}
	c, err := iss.Issue(v, s, d)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if c.LegalStatement != "Jane Doe|Colonoscopy|100" {
		t.Errorf("legal statement = %q", c.LegalStatement)
	}
}
