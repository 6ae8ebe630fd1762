package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/certificate"
	"github.com/pavelanni/clearconsent/internal/explainer"
	"github.com/pavelanni/clearconsent/internal/model"
	"github.com/pavelanni/clearconsent/internal/store"
)

const source = `Knee arthroscopy consent. The surgeon makes small cuts and uses a camera to repair
the meniscus. General anesthesia is used. Infection happens in about 2% of patients. Blood clots are
rare. Alternatives include physical therapy.`

type fakeGenerator struct {
	raw   string
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) GenerateJSON(context.Context, string, string, string, json.Marshaler) (string, error) {
	f.calls++
	return f.raw, f.err
}

func (f *fakeGenerator) GenerateText(context.Context, string, string) (string, error) {
	f.calls++
	return f.text, f.err
}

func generatedJSON(t *testing.T, numQuestions int) string {
	t.Helper()
	two := 2
	c := model.ExplainerContent{
		KeyPoints: []model.KeyPoint{
			{Title: "What's Being Done?", Explanation: "The surgeon fixes your knee through small cuts.", Icon: "🦵"},
			{Title: "Possible Risks", Explanation: "Infection or blood clots can happen.", Icon: "⚠️"},
			{Title: "Your Choices", Explanation: "Physical therapy is another option.", Icon: "🤔"},
		},
		MedicalTerms: []model.MedicalTerm{{Term: "Infection", Definition: "Germs getting in"}},
		Risks: []model.RiskItem{
			{Name: "Infection", Likelihood: model.LikelihoodUncommon, LikelihoodPercent: &two, Severity: model.SeverityMedium},
			{Name: "Blood clots", Likelihood: model.LikelihoodRare, Severity: model.SeverityHigh},
		},
	}
	for i := 1; i <= numQuestions; i++ {
		c.Questions = append(c.Questions, model.QuizQuestion{
			ID:       i,
			Scenario: "A friend asks about your surgery.",
			Question: fmt.Sprintf("Question %d?", i),
			Options: []model.Option{
				{ID: "a", Text: "No"},
				{ID: "b", Text: "Yes"},
				{ID: "c", Text: "Maybe"},
			},
			CorrectID:       "b",
			Explanation:     fmt.Sprintf("Explanation %d", i),
			RelatedKeyPoint: i % 3,
		})
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

type fixture struct {
	svc   *Service
	store *store.Store
	gen   *fakeGenerator
}

func newFixture(t *testing.T, numQuestions int) fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gen := &fakeGenerator{raw: generatedJSON(t, numQuestions)}
	svc := New(st, explainer.New(gen, rand.New(rand.NewPCG(7, 7))), certificate.New())
	clock := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return fixture{svc: svc, store: st, gen: gen}
}

func (f fixture) upload(t *testing.T) UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		DoctorName:    "Dr. Chen",
		ProcedureName: "Knee Arthroscopy",
		SourceText:    source,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

// answerKey reads the stored answer key, which the patient view hides.
func (f fixture) answerKey(t *testing.T, documentID string) []model.QuizQuestion {
	t.Helper()
	exp, err := f.store.GetExplainerByDocument(documentID)
	if err != nil {
		t.Fatalf("GetExplainerByDocument: %v", err)
	}
	return exp.Content.Questions
}

func answers(questions []model.QuizQuestion, wrong int) []model.Answer {
	out := make([]model.Answer, 0, len(questions))
	for i, q := range questions {
		selected := q.CorrectID
		if i < wrong {
			for _, o := range q.Options {
				if o.ID != q.CorrectID {
					selected = o.ID
					break
				}
			}
		}
		out = append(out, model.Answer{QuestionID: q.ID, SelectedID: selected})
	}
	return out
}

func TestAllCorrectIssuesCertificate(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	up := f.upload(t)

	if up.PatientLink != "/patient/"+up.DocumentID {
		t.Errorf("patient link = %q", up.PatientLink)
	}

	view, err := f.svc.OpenSession(ctx, up.DocumentID, "203.0.113.9")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if view.ProcedureName != "Knee Arthroscopy" || view.DoctorName != "Dr. Chen" || view.State != model.StateCreated {
		t.Errorf("unexpected view: %+v", view)
	}
	for _, q := range view.Content.Questions {
		if q.CorrectID != "" || q.Explanation != "" {
			t.Fatalf("patient view leaks the answer key for question %d", q.ID)
		}
	}

	res, err := f.svc.Submit(ctx, SubmitRequest{
		SessionID:   view.SessionID,
		PatientName: "  Maria   Garcia ",
		Answers:     answers(f.answerKey(t, up.DocumentID), 0),
		Origin:      "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 100 || !res.Passed || res.State != model.StatePassed || len(res.RemediationTopics) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	sess, err := f.store.GetSession(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != model.StatePassed || sess.CompletedAt == nil {
		t.Errorf("expected passed session with completion time, got %+v", sess)
	}

	cert, err := f.svc.Certificate(ctx, res.VerificationID)
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if cert.PatientName != "Maria Garcia" || cert.Score != 100 || cert.Origin != "203.0.113.9" {
		t.Errorf("unexpected certificate: %+v", cert)
	}
	if !strings.Contains(cert.LegalStatement, "Maria Garcia") || !strings.Contains(cert.LegalStatement, "Knee Arthroscopy") {
		t.Errorf("legal statement missing fields: %s", cert.LegalStatement)
	}
	again, err := f.svc.Certificate(ctx, res.VerificationID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Digest != cert.Digest {
		t.Error("certificate is not deterministic")
	}

	// Passed is terminal.
	_, err = f.svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, Answers: answers(f.answerKey(t, up.DocumentID), 0)})
	if !apperr.Is(err, apperr.KindStateViolation) {
		t.Errorf("expected state violation on resubmit, got %v", err)
	}
	if _, err := f.svc.Retry(ctx, view.SessionID); !apperr.Is(err, apperr.KindStateViolation) {
		t.Errorf("expected state violation on retry after pass, got %v", err)
	}
}

func TestPartialScoreFailsAndRetries(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	up := f.upload(t)
	key := f.answerKey(t, up.DocumentID)

	view, err := f.svc.OpenSession(ctx, up.DocumentID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetName(ctx, view.SessionID, "Sam"); err != nil {
		t.Fatalf("SetName: %v", err)
	}

	res, err := f.svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, PatientName: "Ignored", Answers: answers(key, 2)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 71 || res.Passed || res.State != model.StateFailed {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.RemediationTopics) == 0 || len(res.RemediationTopics) > 2 {
		t.Errorf("remediation topics = %v", res.RemediationTopics)
	}

	if _, err := f.svc.Certificate(ctx, res.VerificationID); !apperr.Is(err, apperr.KindStateViolation) {
		t.Errorf("expected state violation for failed certificate, got %v", err)
	}

	// Failed sessions must retry before submitting again.
	_, err = f.svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, Answers: answers(key, 0)})
	if !apperr.Is(err, apperr.KindStateViolation) {
		t.Fatalf("expected state violation before retry, got %v", err)
	}

	sess, err := f.svc.Retry(ctx, view.SessionID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if sess.State != model.StateNamed || *sess.PatientName != "Sam" {
		t.Errorf("unexpected session after retry: %+v", sess)
	}

	res2, err := f.svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, Answers: answers(key, 0)})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !res2.Passed {
		t.Errorf("expected second attempt to pass: %+v", res2)
	}

	detail, err := f.svc.GetSession(ctx, view.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(detail.Verifications) != 2 || detail.Verifications[0].Passed || !detail.Verifications[1].Passed {
		t.Errorf("unexpected verifications: %+v", detail.Verifications)
	}
	if detail.Session.Origin != UnknownOrigin {
		t.Errorf("origin = %q", detail.Session.Origin)
	}
}

// interruptedStore fails the first RecordVerification, as if the process
// stopped while grading.
type interruptedStore struct {
	*store.Store
	failed bool
}

func (s *interruptedStore) RecordVerification(v model.Verification, from, to model.SessionState) error {
	if !s.failed {
		s.failed = true
		return errors.New("database is locked")
	}
	return s.Store.RecordVerification(v, from, to)
}

func TestSubmitInterruptedLeavesSessionNamed(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	up := f.upload(t)
	key := f.answerKey(t, up.DocumentID)

	svc := New(&interruptedStore{Store: f.store}, f.svc.builder, nil)
	view, err := svc.OpenSession(ctx, up.DocumentID, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, PatientName: "Lee", Answers: answers(key, 0)}); err == nil {
		t.Fatal("expected Submit to fail when recording fails")
	}
	sess, err := f.store.GetSession(view.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != model.StateNamed {
		t.Fatalf("state after interrupted submit = %s, want %s", sess.State, model.StateNamed)
	}
	if n, _ := f.store.CountVerifications(); n != 0 {
		t.Errorf("expected no verifications, got %d", n)
	}

	res, err := svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, Answers: answers(key, 0)})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !res.Passed || res.State != model.StatePassed {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSubmitRejectsIncompleteAnswers(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	up := f.upload(t)
	key := f.answerKey(t, up.DocumentID)

	view, err := f.svc.OpenSession(ctx, up.DocumentID, "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		patient string
		answers []model.Answer
		want    apperr.Kind
	}{
		{"missing answer", "Lee", answers(key, 0)[:6], apperr.KindInvalid},
		{"no answers", "Lee", nil, apperr.KindInvalid},
		{"unknown question", "Lee", append(answers(key, 0)[:6], model.Answer{QuestionID: 99, SelectedID: "a"}), apperr.KindInvalid},
		{"no name on unnamed session", "  ", answers(key, 0), apperr.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, SubmitRequest{SessionID: view.SessionID, PatientName: tt.patient, Answers: tt.answers})
			if !apperr.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			vs, err := f.svc.ListVerifications(ctx, view.SessionID)
			if err != nil {
				t.Fatal(err)
			}
			if len(vs) != 0 {
				t.Errorf("expected no verifications, got %d", len(vs))
			}
		})
	}

	sess, _ := f.store.GetSession(view.SessionID)
	if sess.State != model.StateCreated || sess.PatientName != nil {
		t.Errorf("rejected submissions must not change the session: %+v", sess)
	}
}

func TestUploadRejectsBadGeneration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f fixture)
		want  apperr.Kind
	}{
		{"five questions", func(f fixture) {}, apperr.KindSchemaViolation},
		{"generator down", func(f fixture) { f.gen.err = errors.New("connection refused") }, apperr.KindGenerationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			tt.setup(f)
			_, err := f.svc.Upload(context.Background(), UploadRequest{DoctorName: "Dr. Chen", ProcedureName: "Knee", SourceText: source})
			if !apperr.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if n, _ := f.store.CountDocuments(); n != 0 {
				t.Errorf("expected no documents, got %d", n)
			}
			if n, _ := f.store.CountExplainers(); n != 0 {
				t.Errorf("expected no explainers, got %d", n)
			}
		})
	}
}

func TestUploadInputValidation(t *testing.T) {
	f := newFixture(t, 7)
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"no doctor", UploadRequest{ProcedureName: "Knee", SourceText: source}},
		{"no procedure", UploadRequest{DoctorName: "Dr. Chen", SourceText: source}},
		{"short text", UploadRequest{DoctorName: "Dr. Chen", ProcedureName: "Knee", SourceText: "Sign here."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Upload(context.Background(), tt.req); !apperr.Is(err, apperr.KindInvalid) {
				t.Fatalf("expected invalid, got %v", err)
			}
		})
	}
	if f.gen.calls != 0 {
		t.Errorf("generator called %d times for invalid input", f.gen.calls)
	}
}

func TestSetNameFirstWriteWins(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	up := f.upload(t)
	view, err := f.svc.OpenSession(ctx, up.DocumentID, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.SetName(ctx, view.SessionID, ""); !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("expected invalid for empty name, got %v", err)
	}
	if _, err := f.svc.SetName(ctx, view.SessionID, "First"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	if _, err := f.svc.SetName(ctx, view.SessionID, "Second"); !apperr.Is(err, apperr.KindStateViolation) {
		t.Errorf("expected state violation, got %v", err)
	}
	sess, _ := f.store.GetSession(view.SessionID)
	if *sess.PatientName != "First" {
		t.Errorf("patient name = %q", *sess.PatientName)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()

	if _, err := f.svc.OpenSession(ctx, "missing", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("OpenSession: expected not found, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, SubmitRequest{SessionID: "missing"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Submit: expected not found, got %v", err)
	}
	if _, err := f.svc.Certificate(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Certificate: expected not found, got %v", err)
	}
	if _, err := f.svc.Retry(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Retry: expected not found, got %v", err)
	}
}

func TestExplainTerm(t *testing.T) {
	f := newFixture(t, 7)
	f.gen.text = "A camera on a thin tube."
	got, err := f.svc.ExplainTerm(context.Background(), "Arthroscope", "knee surgery")
	if err != nil {
		t.Fatalf("ExplainTerm: %v", err)
	}
	if got != f.gen.text {
		t.Errorf("ExplainTerm = %q", got)
	}
}
