package exam

import (
	"context"
	"time"

	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/cache"
)

const (
	defaultHistoryPageSize = 10
	maxHistoryPageSize     = 50
)

type HistoryQuery struct {
	ExamID     *uuid.UUID
	CategoryID *uuid.UUID
	Cursor     *time.Time
	CursorID   *uuid.UUID
	PageSize   int
}

type HistoryItem struct {
	UserExamID     uuid.UUID     `json:"userExamId"`
	ExamID         uuid.UUID     `json:"examId"`
	ExamTitle      string        `json:"examTitle"`
	ExamIcon       string        `json:"examIcon"`
	CategoryTitle  string        `json:"categoryTitle"`
	Score          int           `json:"score"`
	CorrectAnswers int           `json:"correctAnswers"`
	TotalQuestions int           `json:"totalQuestions"`
	AttemptDate    time.Time     `json:"attemptDate"`
	DurationTaken  int           `json:"durationTaken"`
	AttemptStatus  AttemptStatus `json:"attemptStatus"`
	IsHighestScore bool          `json:"isHighestScore"`
}

type HistoryPage struct {
	History     []HistoryItem `json:"history"`
	PageSize    int           `json:"pageSize"`
	HasNextPage bool          `json:"hasNextPage"`
	NextCursor  *time.Time    `json:"nextCursor,omitempty"`
	// NextCursorID breaks ties between attempts started in the same millisecond.
	NextCursorID *uuid.UUID `json:"nextCursorId,omitempty"`
}

type ChoiceReview struct {
	ChoiceID    uuid.UUID `json:"choiceId"`
	Text        string    `json:"textChoice"`
	ChoiceType  string    `json:"choiceType,omitempty"`
	FilePath    string    `json:"choiceFilePath,omitempty"`
	IsCorrect   bool      `json:"isCorrect"`
	WasSelected bool      `json:"wasSelected"`
}

type QuestionReview struct {
	QuestionID    uuid.UUID      `json:"questionId"`
	QuestionTitle string         `json:"questionTitle"`
	QuestionType  QuestionType   `json:"questionType"`
	IsCorrect     bool           `json:"isCorrect"`
	Choices       []ChoiceReview `json:"choices"`
}

type AttemptDetails struct {
	UserExamID          uuid.UUID        `json:"userExamId"`
	ExamTitle           string           `json:"examTitle"`
	CategoryTitle       string           `json:"categoryTitle"`
	Score               int              `json:"score"`
	CorrectAnswers      int              `json:"correctAnswers"`
	TotalQuestions      int              `json:"totalQuestions"`
	AttemptDate         time.Time        `json:"attemptDate"`
	DurationTaken       int              `json:"durationTaken"`
	AttemptStatus       AttemptStatus    `json:"attemptStatus"`
	QuestionsAndAnswers []QuestionReview `json:"questionsAndAnswers"`
}

// History pages through a user's finished attempts, newest first. The
// cursor is the attemptDate and id of the last item of the previous page.
func (s *Service) History(ctx context.Context, userID string, q HistoryQuery) (*HistoryPage, error) {
	const op = "exam.History"

	if q.PageSize <= 0 {
		q.PageSize = defaultHistoryPageSize
	}
	if q.PageSize > maxHistoryPageSize {
		q.PageSize = maxHistoryPageSize
	}

	key := cache.UserHistoryKey(userID, optionalID(q.ExamID), optionalID(q.CategoryID), q.Cursor, cursorIDKey(q), q.PageSize)
	page, err := cached(ctx, s.cache, key, s.historyTTL, func(ctx context.Context) (*HistoryPage, error) {
		return s.loadHistory(ctx, userID, q)
	})
	if err != nil {
		return nil, s.fail(op, userID, uuid.Nil, err)
	}
	return page, nil
}

func (s *Service) loadHistory(ctx context.Context, userID string, q HistoryQuery) (*HistoryPage, error) {
	rows, err := s.store.ListHistory(ctx, HistoryFilter{
		UserID:     userID,
		ExamID:     q.ExamID,
		CategoryID: q.CategoryID,
		Cursor:     q.Cursor,
		CursorID:   q.CursorID,
		Limit:      q.PageSize,
	})
	if err != nil {
		return nil, err
	}

	best := make(map[uuid.UUID]int)
	page := &HistoryPage{History: make([]HistoryItem, 0, len(rows)), PageSize: q.PageSize}
	for _, r := range rows {
		top, ok := best[r.ExamID]
		if !ok {
			m, found, err := s.store.MaxScore(ctx, userID, r.ExamID, uuid.Nil, StatusCompleted, StatusTimedOut)
			if err != nil {
				return nil, err
			}
			if found {
				top = m
			}
			best[r.ExamID] = top
		}
		page.History = append(page.History, HistoryItem{
			UserExamID:     r.ID,
			ExamID:         r.ExamID,
			ExamTitle:      r.ExamTitle,
			ExamIcon:       r.ExamIcon,
			CategoryTitle:  r.CategoryTitle,
			Score:          r.Score,
			CorrectAnswers: r.CorrectAnswers,
			TotalQuestions: r.TotalQuestions,
			AttemptDate:    r.AttemptDate,
			DurationTaken:  r.DurationTakenSeconds,
			AttemptStatus:  r.Status,
			IsHighestScore: r.Score >= top,
		})
	}
	if n := len(page.History); n > 0 {
		last := page.History[n-1]
		page.NextCursor = &last.AttemptDate
		page.NextCursorID = &last.UserExamID
		page.HasNextPage = n == q.PageSize
	}
	return page, nil
}

// AttemptDetails reviews a finished attempt question by question. Answer
// keys stay hidden until the attempt is terminal.
func (s *Service) AttemptDetails(ctx context.Context, userID string, attemptID uuid.UUID) (*AttemptDetails, error) {
	const op = "exam.AttemptDetails"

	details, err := cached(ctx, s.cache, cache.UserAttemptKey(userID, attemptID), s.historyTTL, func(ctx context.Context) (*AttemptDetails, error) {
		a, e, err := s.loadOwnedAttempt(ctx, userID, attemptID)
		if err != nil {
			return nil, err
		}
		if !a.Status.Terminal() {
			return nil, apperr.BusinessRule("attempt is still in progress")
		}
		rows, err := s.store.ListAnswers(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return buildDetails(a, e, rows), nil
	})
	if err != nil {
		return nil, s.fail(op, userID, attemptID, err)
	}
	return details, nil
}

func buildDetails(a *Attempt, e *Exam, rows []Answer) *AttemptDetails {
	selected := make(map[uuid.UUID][]uuid.UUID)
	for _, g := range GroupAnswers(rows) {
		selected[g.QuestionID] = g.SelectedChoiceIDs
	}

	out := &AttemptDetails{
		UserExamID:          a.ID,
		ExamTitle:           e.Title,
		CategoryTitle:       e.CategoryTitle,
		Score:               a.Score,
		TotalQuestions:      len(e.Questions),
		AttemptDate:         a.AttemptDate,
		DurationTaken:       a.DurationTakenSeconds,
		AttemptStatus:       a.Status,
		QuestionsAndAnswers: make([]QuestionReview, 0, len(e.Questions)),
	}
	for _, q := range e.Questions {
		picked := selected[q.ID]
		review := QuestionReview{
			QuestionID:    q.ID,
			QuestionTitle: q.Title,
			QuestionType:  q.Type,
			IsCorrect:     len(picked) > 0 && equalSet(picked, correctChoiceIDs(q)),
			Choices:       make([]ChoiceReview, 0, len(q.Choices)),
		}
		if review.IsCorrect {
			out.CorrectAnswers++
		}
		for _, c := range q.Choices {
			review.Choices = append(review.Choices, ChoiceReview{
				ChoiceID:    c.ID,
				Text:        c.Text,
				ChoiceType:  c.ChoiceType,
				FilePath:    c.FilePath,
				IsCorrect:   c.IsCorrect,
				WasSelected: containsID(picked, c.ID),
			})
		}
		out.QuestionsAndAnswers = append(out.QuestionsAndAnswers, review)
	}
	return out
}

// cached falls through to the loader when no cache is configured.
func cached[T any](ctx context.Context, c cache.Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	return cache.Fetch(ctx, c, key, ttl, load)
}

func cursorIDKey(q HistoryQuery) string {
	if q.CursorID == nil {
		return ""
	}
	return q.CursorID.String()
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return "all"
	}
	return id.String()
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
