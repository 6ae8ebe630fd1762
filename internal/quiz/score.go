package quiz

import (
	"math"
	"strings"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"
)

// UnknownTopic is the remediation topic used when a question's key point
// cannot be resolved.
const UnknownTopic = "Unknown topic"

// Result is the graded outcome of one submission.
type Result struct {
	Score             int
	Passed            bool
	Correct           int
	Total             int
	Results           []model.AnswerResult
	RemediationTopics []string
}

// CheckAnswers rejects answer sets that do not cover every question exactly
// once. Unknown question ids are rejected here rather than scored as wrong.
func CheckAnswers(questions []model.QuizQuestion, answers []model.Answer) error {
	if len(answers) == 0 {
		return apperr.Invalid("no answers submitted")
	}

	known := make(map[int]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}

	seen := make(map[int]bool, len(answers))
	for _, a := range answers {
		if !known[a.QuestionID] {
			return apperr.Invalid("unknown question %d", a.QuestionID)
		}
		if seen[a.QuestionID] {
			return apperr.Invalid("question %d answered more than once", a.QuestionID)
		}
		if strings.TrimSpace(a.SelectedID) == "" {
			return apperr.Invalid("question %d has no selected option", a.QuestionID)
		}
		seen[a.QuestionID] = true
	}

	for _, q := range questions {
		if !seen[q.ID] {
			return apperr.Invalid("question %d is unanswered", q.ID)
		}
	}
	return nil
}

// Score grades answers against the canonical questions in content. Passing
// requires every question to be answered correctly; partial credit never passes.
//
// An answer naming a question id absent from content is counted as incorrect
// with a nil CorrectID and does not abort grading. Callers that want strict
// input run CheckAnswers first.
func Score(content model.ExplainerContent, answers []model.Answer) Result {
	byID := make(map[int]model.QuizQuestion, len(content.Questions))
	for _, q := range content.Questions {
		byID[q.ID] = q
	}

	res := Result{
		Total:             len(content.Questions),
		Results:           make([]model.AnswerResult, 0, len(answers)),
		RemediationTopics: []string{},
	}

	correctIDs := make(map[int]bool, len(content.Questions))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		ar := model.AnswerResult{
			QuestionID: a.QuestionID,
			SelectedID: a.SelectedID,
		}
		if ok {
			correctID := q.CorrectID
			ar.CorrectID = &correctID
			ar.IsCorrect = a.SelectedID == q.CorrectID
			ar.Explanation = q.Explanation
		}
		if ar.IsCorrect {
			res.Correct++
			correctIDs[a.QuestionID] = true
		} else {
			res.RemediationTopics = append(res.RemediationTopics, remediationTopic(content.KeyPoints, q, ok))
		}
		res.Results = append(res.Results, ar)
	}

	res.Score = Percent(res.Correct, res.Total)
	// A duplicated correct answer must not stand in for a missing one.
	res.Passed = res.Total > 0 && res.Correct == res.Total && len(correctIDs) == res.Total
	return res
}

// Percent returns round(correct/total*100), or 0 when total is zero.
func Percent(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

func remediationTopic(keyPoints []model.KeyPoint, q model.QuizQuestion, found bool) string {
	if !found || q.RelatedKeyPoint < 0 || q.RelatedKeyPoint >= len(keyPoints) {
		return UnknownTopic
	}
	if title := strings.TrimSpace(keyPoints[q.RelatedKeyPoint].Title); title != "" {
		return title
	}
	return UnknownTopic
}
