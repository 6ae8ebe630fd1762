package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/clearconsent/internal/model"
)

// MaxSourceRunes bounds how much consent-form text is sent to the generator.
const MaxSourceRunes = 8000

// DefaultTermContext is used when a term lookup arrives without context.
const DefaultTermContext = "a medical procedure"

//go:embed templates/*.tmpl
var templateFS embed.FS

var consentFormTagRegex = regexp.MustCompile(`(?i)</?\s*consent-form\b[^>]*>`)

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

// ExplainerData holds template data for the explainer prompts.
type ExplainerData struct {
	ProcedureName string
	SourceText    string
	QuestionCount int
}

// TermData holds template data for the term lookup prompts.
type TermData struct {
	Term    string
	Context string
}

// Load parses the embedded prompt templates. It is safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		templates, loadErr = template.ParseFS(templateFS, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", loadErr)
		}
	})
	return loadErr
}

// BuildExplainerPrompts renders the system and user prompts for explainer
// generation. The source text is sanitized and truncated to MaxSourceRunes.
func BuildExplainerPrompts(procedure, source string) (system, user string, err error) {
	data := ExplainerData{
		ProcedureName: strings.TrimSpace(procedure),
		SourceText:    Truncate(sanitizeSource(source), MaxSourceRunes),
		QuestionCount: model.QuestionCount,
	}
	if system, err = execute("explainer_system.tmpl", data); err != nil {
		return "", "", err
	}
	if user, err = execute("explainer_user.tmpl", data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// BuildTermPrompts renders the prompts for an ad-hoc term explanation.
func BuildTermPrompts(term, procedureContext string) (system, user string, err error) {
	procedureContext = strings.TrimSpace(procedureContext)
	if procedureContext == "" {
		procedureContext = DefaultTermContext
	}
	data := TermData{Term: strings.TrimSpace(term), Context: Truncate(procedureContext, 500)}
	if system, err = execute("term_system.tmpl", data); err != nil {
		return "", "", err
	}
	if user, err = execute("term_user.tmpl", data); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// Truncate returns the first n runes of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func execute(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// sanitizeSource strips delimiter tags so document text cannot close the
// consent-form block early.
func sanitizeSource(s string) string {
	return strings.TrimSpace(consentFormTagRegex.ReplaceAllString(s, ""))
}
