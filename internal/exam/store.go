package exam

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptFinalized = errors.New("attempt already finalized")
	ErrAttemptConflict  = errors.New("attempt already in progress")
)

// AttemptStore persists attempts and their answers. Implementations must
// keep at most one InProgress attempt per (user, exam) and report a
// violating Create as ErrAttemptConflict.
type AttemptStore interface {
	Create(ctx context.Context, a *Attempt) error
	FindByID(ctx context.Context, id uuid.UUID) (*Attempt, error)
	FindLatestInProgress(ctx context.Context, userID string, examID uuid.UUID) (*Attempt, error)
	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]Answer, error)
	// MaxScore reports the best score among the user's attempts on examID
	// whose status is one of statuses, ignoring exclude.
	MaxScore(ctx context.Context, userID string, examID, exclude uuid.UUID, statuses ...AttemptStatus) (int, bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Attempt, error)
	ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryRow, error)
	WithinTx(ctx context.Context, fn func(tx AttemptTx) error) error
}

// AttemptTx is a unit of work. FindByID locks the row where the backend
// supports it; Save only succeeds while the stored row is still InProgress.
type AttemptTx interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Attempt, error)
	ReplaceAnswers(ctx context.Context, attemptID, questionID uuid.UUID, choiceIDs []uuid.UUID) error
	AppendAnswers(ctx context.Context, attemptID uuid.UUID, answers []Answer) error
	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]Answer, error)
	Save(ctx context.Context, a *Attempt) error
}

// HistoryFilter selects a user's terminal attempts, newest first, ordered by
// (attempt date, id). The cursor is exclusive. With CursorID set, attempts
// sharing the cursor's date are continued by id; without it only strictly
// older attempts are returned.
type HistoryFilter struct {
	UserID     string
	ExamID     *uuid.UUID
	CategoryID *uuid.UUID
	Cursor     *time.Time
	CursorID   *uuid.UUID
	Limit      int
}

type HistoryRow struct {
	Attempt
	ExamTitle      string
	ExamIcon       string
	CategoryTitle  string
	TotalQuestions int
}
