package coordinator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizhub/internal/domain"
)

var two = decimal.NewFromInt(2)

// scoreAnswers computes the score for every accepted answer of one question.
// A correct answer earns the question's points plus a time bonus that decays
// linearly to zero at the deadline, capped at half the points. Wrong answers
// score zero but still appear, so standings list every participant who
// played. Results are ordered by username for deterministic payloads.
//
// limit is the effective answer window the question opened with, which for a
// question carrying no per-question limit is the configured default.
func scoreAnswers(sessionID string, q domain.Question, index int, limit time.Duration, deadline int64, answers []domain.Answer) []domain.Score {
	limitMs := limit.Milliseconds()
	now := time.Now()

	scores := make([]domain.Score, 0, len(answers))
	for _, a := range answers {
		sc := decimal.Zero
		if a.OptionID == q.CorrectOption {
			sc = decimal.NewFromInt(q.Points)
			if limitMs > 0 {
				remaining := deadline - a.SubmittedAt
				if remaining < 0 {
					remaining = 0
				}
				if remaining > limitMs {
					remaining = limitMs
				}
				bonus := decimal.NewFromInt(q.Points).
					Mul(decimal.NewFromInt(remaining)).
					Div(decimal.NewFromInt(limitMs)).
					Div(two).
					Round(2)
				sc = sc.Add(bonus)
			}
		}

		scores = append(scores, domain.Score{
			SessionID:     sessionID,
			Username:      a.Username,
			QuestionIndex: index,
			Score:         sc,
			UpdateTime:    now,
		})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Username < scores[j].Username })
	return scores
}

func scoreViews(scores []domain.Score) []domain.ScoreView {
	views := make([]domain.ScoreView, 0, len(scores))
	for _, sc := range scores {
		views = append(views, domain.ScoreView{
			Username: sc.Username,
			Score:    sc.Score.String(),
		})
	}
	return views
}
