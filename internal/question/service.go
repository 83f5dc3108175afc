package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/db"
	"examonline/internal/exam"
)

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrQuestionNotFound = errors.New("question not found")
)

const (
	listTTL = 3 * time.Minute

	minTitleLen      = 3
	maxTitleLen      = 100
	maxChoiceTextLen = 100
	minChoices       = 2
)

type Service struct {
	db          *sql.DB
	cache       cache.Cache
	invalidator *cache.Invalidator
	log         zerolog.Logger
	now         func() time.Time
}

type Options struct {
	Cache       cache.Cache
	Invalidator *cache.Invalidator
	Logger      zerolog.Logger
}

type ChoiceInput struct {
	Text       string
	IsCorrect  bool
	ChoiceType string
	FilePath   string
}

type QuestionInput struct {
	Title   string
	Type    exam.QuestionType
	Choices []ChoiceInput
}

type Choice struct {
	ID         uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	IsCorrect  bool      `json:"isCorrect"`
	ChoiceType string    `json:"choiceType,omitempty"`
	FilePath   string    `json:"filePath,omitempty"`
}

type Question struct {
	ID        uuid.UUID         `json:"id"`
	ExamID    uuid.UUID         `json:"examId"`
	Title     string            `json:"title"`
	Type      exam.QuestionType `json:"type"`
	Position  int               `json:"position"`
	Choices   []Choice          `json:"choices"`
	CreatedAt time.Time         `json:"createdAt"`
}

func NewService(conn *sql.DB, opts Options) *Service {
	return &Service{
		db:          conn,
		cache:       opts.Cache,
		invalidator: opts.Invalidator,
		log:         opts.Logger.With().Str("component", "question").Logger(),
		now:         time.Now,
	}
}

// ListByExam returns the questions of an exam in position order, answer
// keys included. Admin only.
func (s *Service) ListByExam(ctx context.Context, examID uuid.UUID) ([]Question, error) {
	const op = "question.ListByExam"
	load := func(ctx context.Context) ([]Question, error) {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM exams WHERE id = $1`, examID.String()).Scan(&n); err != nil {
			return nil, fmt.Errorf("check exam: %w", err)
		}
		if n == 0 {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
		}
		return s.loadQuestions(ctx, `q.exam_id = $1`, examID.String())
	}

	var (
		out []Question
		err error
	)
	if s.cache == nil {
		out, err = load(ctx)
	} else {
		out, err = cache.Fetch(ctx, s.cache, cache.QuestionsByExamKey(examID), listTTL, load)
	}
	if err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

func (s *Service) GetQuestion(ctx context.Context, id uuid.UUID) (*Question, error) {
	out, err := s.loadQuestions(ctx, `q.id = $1`, id.String())
	if err != nil {
		return nil, s.fail("question.GetQuestion", err)
	}
	if len(out) == 0 {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrQuestionNotFound)
	}
	return &out[0], nil
}

func (s *Service) CreateQuestion(ctx context.Context, examID uuid.UUID, in QuestionInput) (*Question, error) {
	const op = "question.CreateQuestion"
	q, err := normalizeQuestion(in)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	q.ID = uuid.New()
	q.ExamID = examID
	q.CreatedAt = db.FromMillis(db.Millis(now))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM exams WHERE id = $1`, examID.String()).Scan(&exists); err != nil {
		return nil, s.fail(op, fmt.Errorf("check exam: %w", err))
	}
	if exists == 0 {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM questions WHERE exam_id = $1
	`, examID.String()).Scan(&q.Position); err != nil {
		return nil, s.fail(op, fmt.Errorf("next question position: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questions (id, exam_id, title, type, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, q.ID.String(), examID.String(), q.Title, string(q.Type), q.Position, db.Millis(now)); err != nil {
		return nil, s.fail(op, fmt.Errorf("insert question: %w", err))
	}
	if err := insertChoices(ctx, tx, q); err != nil {
		return nil, s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail(op, fmt.Errorf("commit tx: %w", err))
	}

	s.invalidator.Questions(ctx)
	s.log.Info().
		Str("question_id", q.ID.String()).
		Str("exam_id", examID.String()).
		Int("choices", len(q.Choices)).
		Msg("question created")
	return q, nil
}

// UpdateQuestion rewrites title and type and replaces the whole choice set.
func (s *Service) UpdateQuestion(ctx context.Context, id uuid.UUID, in QuestionInput) (*Question, error) {
	const op = "question.UpdateQuestion"
	q, err := normalizeQuestion(in)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT exam_id, position, created_at FROM questions WHERE id = $1
	`, id.String()).Scan(&q.ExamID, &q.Position, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrQuestionNotFound)
		}
		return nil, s.fail(op, fmt.Errorf("load question: %w", err))
	}
	q.ID = id
	q.CreatedAt = db.FromMillis(createdAt)

	if _, err := tx.ExecContext(ctx, `UPDATE questions SET title = $2, type = $3 WHERE id = $1`, id.String(), q.Title, string(q.Type)); err != nil {
		return nil, s.fail(op, fmt.Errorf("update question: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM choices WHERE question_id = $1`, id.String()); err != nil {
		return nil, s.fail(op, fmt.Errorf("clear choices: %w", err))
	}
	if err := insertChoices(ctx, tx, q); err != nil {
		return nil, s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail(op, fmt.Errorf("commit tx: %w", err))
	}

	s.invalidator.Questions(ctx)
	s.log.Info().Str("question_id", id.String()).Msg("question updated")
	return q, nil
}

func (s *Service) DeleteQuestion(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id.String())
	if err != nil {
		return s.fail("question.DeleteQuestion", fmt.Errorf("delete question: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.Wrap(apperr.KindNotFound, ErrQuestionNotFound)
	}

	s.invalidator.Questions(ctx)
	s.log.Info().Str("question_id", id.String()).Msg("question deleted")
	return nil
}

func (s *Service) loadQuestions(ctx context.Context, where string, args ...any) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.exam_id, q.title, q.type, q.position, q.created_at,
			c.id, c.text, c.is_correct, c.choice_type, c.file_path
		FROM questions q
		LEFT JOIN choices c ON c.question_id = q.id
		WHERE `+where+`
		ORDER BY q.position ASC, q.created_at ASC, q.id ASC, c.position ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var (
			q         Question
			qType     string
			createdAt int64
			choiceID  sql.NullString
			text      sql.NullString
			correct   sql.NullBool
			cType     sql.NullString
			filePath  sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Title, &qType, &q.Position, &createdAt,
			&choiceID, &text, &correct, &cType, &filePath); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		i, ok := index[q.ID]
		if !ok {
			q.Type = exam.QuestionType(qType)
			q.CreatedAt = db.FromMillis(createdAt)
			q.Choices = []Choice{}
			out = append(out, q)
			i = len(out) - 1
			index[q.ID] = i
		}
		if !choiceID.Valid {
			continue
		}
		cid, err := uuid.Parse(choiceID.String)
		if err != nil {
			return nil, fmt.Errorf("parse choice id: %w", err)
		}
		out[i].Choices = append(out[i].Choices, Choice{
			ID:         cid,
			Text:       text.String,
			IsCorrect:  correct.Bool,
			ChoiceType: cType.String,
			FilePath:   filePath.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func insertChoices(ctx context.Context, tx *sql.Tx, q *Question) error {
	for i := range q.Choices {
		c := &q.Choices[i]
		c.ID = uuid.New()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO choices (id, question_id, text, is_correct, choice_type, file_path, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID.String(), q.ID.String(), c.Text, c.IsCorrect, c.ChoiceType, c.FilePath, i); err != nil {
			return fmt.Errorf("insert choice: %w", err)
		}
	}
	return nil
}

// normalizeQuestion trims the input and enforces the answer-key shape:
// single choice needs exactly one correct choice, multiple choice at least one.
func normalizeQuestion(in QuestionInput) (*Question, error) {
	title := strings.TrimSpace(in.Title)
	if len(title) < minTitleLen || len(title) > maxTitleLen {
		return nil, apperr.BusinessRule("Title must be between 3 and 100 characters")
	}
	if in.Type != exam.SingleChoice && in.Type != exam.MultipleChoice {
		return nil, apperr.BusinessRule(fmt.Sprintf("unsupported question type %q", in.Type))
	}
	if len(in.Choices) < minChoices {
		return nil, apperr.BusinessRule("At least 2 choices are required")
	}

	q := &Question{Title: title, Type: in.Type, Choices: make([]Choice, 0, len(in.Choices))}
	correct := 0
	for i, c := range in.Choices {
		text := strings.TrimSpace(c.Text)
		path := strings.TrimSpace(c.FilePath)
		if text == "" && path == "" {
			return nil, apperr.BusinessRule(fmt.Sprintf("choices[%d] must have text or a file path", i))
		}
		if len(text) > maxChoiceTextLen {
			return nil, apperr.BusinessRule(fmt.Sprintf("choices[%d] text must be at most 100 characters", i))
		}
		kind := strings.TrimSpace(c.ChoiceType)
		if kind == "" {
			kind = "Text"
			if path != "" {
				kind = "Image"
			}
		}
		if c.IsCorrect {
			correct++
		}
		q.Choices = append(q.Choices, Choice{Text: text, IsCorrect: c.IsCorrect, ChoiceType: kind, FilePath: path})
	}

	switch {
	case correct == 0:
		return nil, apperr.BusinessRule("At least one choice must be marked correct")
	case in.Type == exam.SingleChoice && correct > 1:
		return nil, apperr.BusinessRule("A single choice question must have exactly one correct choice")
	}
	return q, nil
}

func (s *Service) fail(op string, err error) error {
	if apperr.KindOf(err) == apperr.KindOperationFailed {
		s.log.Error().Err(err).Str("op", op).Msg("question operation failed")
	}
	return apperr.Failed(op, err)
}
