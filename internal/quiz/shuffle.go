// Package quiz shuffles generated questions and grades patient answers.
package quiz

import (
	"math/rand/v2"

	"github.com/pavelanni/clearconsent/internal/model"
)

// Shuffle returns a copy of questions with each question's options permuted
// independently. Options keep their ids, so CorrectID is re-resolved from the
// option object that was correct before the shuffle. A nil rng uses the
// package-level source.
//
// Run once at generation time, before persistence: shuffling on read would
// change the order a patient already saw.
func Shuffle(questions []model.QuizQuestion, rng *rand.Rand) []model.QuizQuestion {
	intn := rand.IntN
	if rng != nil {
		intn = rng.IntN
	}

	out := make([]model.QuizQuestion, len(questions))
	for qi, q := range questions {
		opts := make([]model.Option, len(q.Options))
		copy(opts, q.Options)

		correct := -1
		for i, o := range opts {
			if o.ID == q.CorrectID {
				correct = i
				break
			}
		}

		// Fisher-Yates, tracking where the correct option lands.
		for i := len(opts) - 1; i > 0; i-- {
			j := intn(i + 1)
			opts[i], opts[j] = opts[j], opts[i]
			switch correct {
			case i:
				correct = j
			case j:
				correct = i
			}
		}

		q.Options = opts
		if correct >= 0 {
			q.CorrectID = opts[correct].ID
		}
		out[qi] = q
	}
	return out
}
