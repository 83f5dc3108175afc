package exam

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

type ScoreResult struct {
	Score            int `json:"score"`
	CorrectAnswers   int `json:"correctAnswers"`
	IncorrectAnswers int `json:"incorrectAnswers"`
	TotalQuestions   int `json:"totalQuestions"`
}

// CalculateScore grades a submission. A question counts only when the
// selected set equals the correct set exactly; there is no partial credit.
// Score is truncated toward zero.
func CalculateScore(questions []Question, answers []AnswerSubmission) ScoreResult {
	selected := make(map[uuid.UUID][]uuid.UUID, len(answers))
	for _, a := range answers {
		if _, seen := selected[a.QuestionID]; seen {
			continue
		}
		selected[a.QuestionID] = a.SelectedChoiceIDs
	}

	res := ScoreResult{TotalQuestions: len(questions)}
	for _, q := range questions {
		picked, ok := selected[q.ID]
		if ok && equalSet(picked, correctChoiceIDs(q)) {
			res.CorrectAnswers++
		}
	}
	res.IncorrectAnswers = res.TotalQuestions - res.CorrectAnswers
	if res.TotalQuestions > 0 {
		res.Score = res.CorrectAnswers * 100 / res.TotalQuestions
	}
	return res
}

// GroupAnswers folds stored rows back into one submission per question,
// in first-seen question order.
func GroupAnswers(rows []Answer) []AnswerSubmission {
	index := make(map[uuid.UUID]int)
	out := make([]AnswerSubmission, 0)
	for _, r := range rows {
		i, ok := index[r.QuestionID]
		if !ok {
			index[r.QuestionID] = len(out)
			out = append(out, AnswerSubmission{QuestionID: r.QuestionID})
			i = len(out) - 1
		}
		out[i].SelectedChoiceIDs = append(out[i].SelectedChoiceIDs, r.ChoiceID)
	}
	return out
}

func correctChoiceIDs(q Question) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(q.Choices))
	for _, c := range q.Choices {
		if c.IsCorrect {
			out = append(out, c.ID)
		}
	}
	return out
}

func equalSet(a, b []uuid.UUID) bool {
	aa := normalizeIDSet(a)
	bb := normalizeIDSet(b)
	if len(aa) != len(bb) {
		return false
	}
	for i := range aa {
		if aa[i] != bb[i] {
			return false
		}
	}
	return true
}

func normalizeIDSet(ids []uuid.UUID) []uuid.UUID {
	set := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
