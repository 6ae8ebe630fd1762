package explainer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"
)

// Validator checks generated content against the structural and grounding
// rules. Structural problems are schema violations; grounding problems are
// recorded in content.Flags.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return &Validator{v: v}
}

// Validate returns a checked copy of c. source is the consent-form text the
// content was generated from, used to ground risk percentages.
func (val *Validator) Validate(c model.ExplainerContent, source string) (model.ExplainerContent, error) {
	c.Flags = nil

	if err := val.v.Struct(c); err != nil {
		return c, structError(err)
	}
	if err := checkQuestions(c); err != nil {
		return c, err
	}

	c.MedicalTerms = groundTerms(c, &c.Flags)
	c.Risks = groundPercents(c.Risks, source, &c.Flags)
	return c, nil
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.SchemaViolation("invalid content: %v", err)
	}
	var parts []string
	for i, fe := range verrs {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(verrs)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return apperr.SchemaViolation("invalid content: %s", strings.Join(parts, "; "))
}

func checkQuestions(c model.ExplainerContent) error {
	if len(c.Questions) != model.QuestionCount {
		return apperr.SchemaViolation("expected %d questions, got %d", model.QuestionCount, len(c.Questions))
	}

	ids := make(map[int]bool, len(c.Questions))
	for _, q := range c.Questions {
		if ids[q.ID] {
			return apperr.SchemaViolation("duplicate question id %d", q.ID)
		}
		ids[q.ID] = true

		if q.RelatedKeyPoint < 0 || q.RelatedKeyPoint >= len(c.KeyPoints) {
			return apperr.SchemaViolation("question %d references key point %d of %d", q.ID, q.RelatedKeyPoint, len(c.KeyPoints))
		}

		optIDs := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if optIDs[o.ID] {
				return apperr.SchemaViolation("question %d has duplicate option id %q", q.ID, o.ID)
			}
			optIDs[o.ID] = true
		}
		if !optIDs[q.CorrectID] {
			return apperr.SchemaViolation("question %d correct id %q is not an option", q.ID, q.CorrectID)
		}
	}
	return nil
}

// groundTerms marks each term as grounded when it occurs as a whole word or
// phrase in the key point or risk text, ignoring case. Ungrounded terms stay
// in the list, unmarked, and are flagged.
func groundTerms(c model.ExplainerContent, flags *[]string) []model.MedicalTerm {
	var sb strings.Builder
	for _, kp := range c.KeyPoints {
		sb.WriteString(kp.Title + "\n" + kp.Explanation + "\n" + kp.Analogy + "\n")
	}
	for _, r := range c.Risks {
		sb.WriteString(r.Name + "\n" + r.Description + "\n")
	}
	corpus := sb.String()

	terms := make([]model.MedicalTerm, len(c.MedicalTerms))
	for i, t := range c.MedicalTerms {
		t.Grounded = termOccurs(corpus, t.Term)
		if !t.Grounded {
			*flags = append(*flags, fmt.Sprintf("term %q does not appear in the generated key points or risks", t.Term))
		}
		terms[i] = t
	}
	return terms
}

// termOccurs reports whether term appears in text bounded by non-word
// characters or the ends of the text. A blank term never occurs.
func termOccurs(text, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	re := regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(term) + `(?:$|[^\p{L}\p{N}_])`)
	return re.MatchString(text)
}

// groundPercents drops any likelihood percentage the source text does not
// state and flags it.
func groundPercents(risks []model.RiskItem, source string, flags *[]string) []model.RiskItem {
	stated := statedPercents(source)
	out := make([]model.RiskItem, len(risks))
	for i, r := range risks {
		if r.LikelihoodPercent != nil && !stated[*r.LikelihoodPercent] {
			*flags = append(*flags, fmt.Sprintf("risk %q: %d%% is not stated in the consent form and was removed", r.Name, *r.LikelihoodPercent))
			r.LikelihoodPercent = nil
		}
		out[i] = r
	}
	return out
}

// percentRe matches a number followed by a percent sign or word. The number
// may not continue a longer number or decimal.
var percentRe = regexp.MustCompile(`(?i)(?:^|[^\d.])(\d+)(?:\.(\d+))?\s*(?:%|percent\b|per cent\b)`)

// statedPercents returns the whole-number percentages written in source.
// "4.0%" counts as 4; "12.5%" states no whole number.
func statedPercents(source string) map[int]bool {
	stated := make(map[int]bool)
	for _, m := range percentRe.FindAllStringSubmatch(source, -1) {
		if strings.Trim(m[2], "0") != "" {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		stated[n] = true
	}
	return stated
}
