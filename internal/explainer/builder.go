// Package explainer turns consent-form text into validated educational
// content by way of an external generator.
package explainer

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/llm/prompts"
	"github.com/pavelanni/clearconsent/internal/model"
	"github.com/pavelanni/clearconsent/internal/quiz"
)

// MinSourceRunes is the shortest trimmed source text accepted for generation.
const MinSourceRunes = 50

// Generator is the external content producer.
type Generator interface {
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema json.Marshaler) (string, error)
	GenerateText(ctx context.Context, system, user string) (string, error)
}

// Builder requests explainer content and checks what comes back. It never
// persists anything.
type Builder struct {
	gen       Generator
	validator *Validator
	rng       *rand.Rand
}

// New creates a Builder. rng may be nil to use the global source.
func New(gen Generator, rng *rand.Rand) *Builder {
	return &Builder{gen: gen, validator: NewValidator(), rng: rng}
}

// CheckInput validates the procedure label and source text.
func CheckInput(procedure, source string) error {
	if strings.TrimSpace(procedure) == "" {
		return apperr.Invalid("procedure name is required")
	}
	if utf8.RuneCountInString(strings.TrimSpace(source)) < MinSourceRunes {
		return apperr.Invalid("document text must be at least %d characters", MinSourceRunes)
	}
	return nil
}

// Generate produces validated, shuffled content for a document. Generator
// errors come back as generation failures; malformed or invalid responses as
// schema violations. There is no retry here.
func (b *Builder) Generate(ctx context.Context, procedure, source string) (model.ExplainerContent, error) {
	if err := CheckInput(procedure, source); err != nil {
		return model.ExplainerContent{}, err
	}

	system, user, err := prompts.BuildExplainerPrompts(procedure, source)
	if err != nil {
		return model.ExplainerContent{}, err
	}

	raw, err := b.gen.GenerateJSON(ctx, system, user, SchemaName, Schema)
	if err != nil {
		slog.Error("explainer generation failed", "procedure", procedure, "error", err)
		return model.ExplainerContent{}, apperr.GenerationFailure(err)
	}

	content, err := Parse(raw)
	if err != nil {
		slog.Warn("explainer response rejected", "procedure", procedure, "error", err)
		return model.ExplainerContent{}, err
	}

	content, err = b.validator.Validate(content, source)
	if err != nil {
		slog.Warn("explainer content rejected", "procedure", procedure, "error", err)
		return model.ExplainerContent{}, err
	}
	for _, f := range content.Flags {
		slog.Warn("explainer grounding flag", "procedure", procedure, "flag", f)
	}

	content.Questions = quiz.Shuffle(content.Questions, b.rng)

	slog.Info("explainer generated",
		"procedure", procedure,
		"key_points", len(content.KeyPoints),
		"terms", len(content.MedicalTerms),
		"risks", len(content.Risks),
		"questions", len(content.Questions),
		"flags", len(content.Flags),
	)
	return content, nil
}

// ExplainTerm returns a short plain-language explanation of a term. It is
// independent of any document and stores nothing.
func (b *Builder) ExplainTerm(ctx context.Context, term, procedureContext string) (string, error) {
	if strings.TrimSpace(term) == "" {
		return "", apperr.Invalid("term is required")
	}
	system, user, err := prompts.BuildTermPrompts(term, procedureContext)
	if err != nil {
		return "", err
	}
	text, err := b.gen.GenerateText(ctx, system, user)
	if err != nil {
		slog.Error("term explanation failed", "term", term, "error", err)
		return "", apperr.GenerationFailure(err)
	}
	return text, nil
}

// Parse decodes a generator response. A response wrapped in a Markdown code
// fence is unwrapped first.
func Parse(raw string) (model.ExplainerContent, error) {
	var content model.ExplainerContent
	body := stripFence(raw)
	if body == "" {
		return content, apperr.SchemaViolation("empty generator response")
	}
	if err := json.Unmarshal([]byte(body), &content); err != nil {
		return content, apperr.SchemaViolation("generator response is not valid content JSON: %v", err)
	}
	return content, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
