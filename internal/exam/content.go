package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"examonline/internal/cache"
	"examonline/internal/db"
)

const examDetailTTL = 10 * time.Minute

// ContentProvider loads an exam with its questions and choices, correctness
// flags included. A nil exam with a nil error means the exam does not exist.
type ContentProvider interface {
	GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*Exam, error)
}

type SQLContent struct {
	db *sql.DB
}

func NewSQLContent(conn *sql.DB) *SQLContent {
	return &SQLContent{db: conn}
}

func (c *SQLContent) GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*Exam, error) {
	var (
		e          Exam
		start, end int64
		status     string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT e.id, e.category_id, COALESCE(cat.title, ''), e.title, e.icon,
			e.duration_minutes, e.start_date, e.end_date, e.is_active, e.status
		FROM exams e
		LEFT JOIN categories cat ON cat.id = e.category_id
		WHERE e.id = $1
	`, examID.String()).Scan(&e.ID, &e.CategoryID, &e.CategoryTitle, &e.Title, &e.Icon,
		&e.DurationMinutes, &start, &end, &e.IsActive, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	e.StartDate = db.FromMillis(start)
	e.EndDate = db.FromMillis(end)
	e.Status = ExamStatus(status)

	questions, err := c.loadQuestions(ctx, examID)
	if err != nil {
		return nil, err
	}
	e.Questions = questions
	return &e, nil
}

func (c *SQLContent) loadQuestions(ctx context.Context, examID uuid.UUID) ([]Question, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, exam_id, title, type
		FROM questions
		WHERE exam_id = $1
		ORDER BY position ASC, created_at ASC
	`, examID.String())
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	questions := make([]Question, 0)
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			q     Question
			qType string
		)
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Title, &qType); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = QuestionType(qType)
		q.Choices = make([]Choice, 0)
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	if len(questions) == 0 {
		return questions, nil
	}

	choiceRows, err := c.db.QueryContext(ctx, `
		SELECT ch.id, ch.question_id, ch.text, ch.is_correct, ch.choice_type, ch.file_path
		FROM choices ch
		JOIN questions q ON q.id = ch.question_id
		WHERE q.exam_id = $1
		ORDER BY ch.position ASC
	`, examID.String())
	if err != nil {
		return nil, fmt.Errorf("query choices: %w", err)
	}
	defer choiceRows.Close()

	for choiceRows.Next() {
		var (
			ch         Choice
			questionID uuid.UUID
		)
		if err := choiceRows.Scan(&ch.ID, &questionID, &ch.Text, &ch.IsCorrect, &ch.ChoiceType, &ch.FilePath); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		if i, ok := index[questionID]; ok {
			questions[i].Choices = append(questions[i].Choices, ch)
		}
	}
	if err := choiceRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choices: %w", err)
	}
	return questions, nil
}

// CachedContent serves exam content through the shared cache. Misses are
// never cached, so an exam created after a lookup is visible immediately.
type CachedContent struct {
	next  ContentProvider
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedContent(next ContentProvider, c cache.Cache) *CachedContent {
	return &CachedContent{next: next, cache: c, ttl: examDetailTTL}
}

func (c *CachedContent) GetExamWithQuestions(ctx context.Context, examID uuid.UUID) (*Exam, error) {
	if c.cache == nil {
		return c.next.GetExamWithQuestions(ctx, examID)
	}
	e, err := cache.Fetch(ctx, c.cache, cache.ExamDetailKey(examID), c.ttl, func(ctx context.Context) (*Exam, error) {
		e, err := c.next.GetExamWithQuestions(ctx, examID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrExamNotFound
		}
		return e, nil
	})
	if errors.Is(err, ErrExamNotFound) {
		return nil, nil
	}
	return e, err
}
