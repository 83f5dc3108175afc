package masterdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/cache"
)

const (
	categoryImpactTTL = 10 * time.Minute
	examImpactTTL     = 2 * time.Minute

	impactTitleLimit = 5
)

// CategoryImpact previews what DeleteCategory would cascade through.
type CategoryImpact struct {
	CategoryID            uuid.UUID `json:"categoryId"`
	CategoryTitle         string    `json:"categoryTitle"`
	ExamCount             int       `json:"examCount"`
	QuestionCount         int       `json:"questionCount"`
	ChoiceCount           int       `json:"choiceCount"`
	AttemptCount          int       `json:"userExamCount"`
	AnswerCount           int       `json:"userAnswerCount"`
	UniqueUsersAffected   int       `json:"uniqueUsersAffected"`
	ExamTitles            []string  `json:"examTitles"`
	HasActiveExams        bool      `json:"hasActiveExams"`
	HasInProgressAttempts bool      `json:"hasInProgressUserExams"`
	WarningMessage        string    `json:"warningMessage"`
}

// ExamImpact previews what DeleteExam would cascade through.
type ExamImpact struct {
	ExamID                uuid.UUID `json:"examId"`
	ExamTitle             string    `json:"examTitle"`
	CategoryTitle         string    `json:"categoryTitle"`
	QuestionCount         int       `json:"questionCount"`
	ChoiceCount           int       `json:"choiceCount"`
	AttemptCount          int       `json:"userExamCount"`
	AnswerCount           int       `json:"userAnswerCount"`
	UniqueUsersAffected   int       `json:"uniqueUsersAffected"`
	ChoiceImagesCount     int       `json:"choiceImagesCount"`
	QuestionTitles        []string  `json:"questionTitles"`
	HasInProgressAttempts bool      `json:"hasActiveUserExams"`
	IsActive              bool      `json:"isActive"`
	WarningMessage        string    `json:"warningMessage"`
}

func (s *Service) CategoryDeletionImpact(ctx context.Context, id uuid.UUID) (*CategoryImpact, error) {
	out, err := fetch(ctx, s.cache, cache.CategoryImpactKey(id), categoryImpactTTL, func(ctx context.Context) (*CategoryImpact, error) {
		return s.loadCategoryImpact(ctx, id)
	})
	if err != nil {
		return nil, s.fail("masterdata.CategoryDeletionImpact", err)
	}
	return out, nil
}

func (s *Service) loadCategoryImpact(ctx context.Context, id uuid.UUID) (*CategoryImpact, error) {
	out := &CategoryImpact{CategoryID: id}
	err := s.db.QueryRowContext(ctx, `SELECT title FROM categories WHERE id = $1`, id.String()).Scan(&out.CategoryTitle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrCategoryNotFound)
		}
		return nil, fmt.Errorf("load category: %w", err)
	}

	var activeExams, inProgress int
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM exams e WHERE e.category_id = $1),
			(SELECT COUNT(1) FROM questions q JOIN exams e ON e.id = q.exam_id WHERE e.category_id = $1),
			(SELECT COUNT(1) FROM choices ch JOIN questions q ON q.id = ch.question_id
				JOIN exams e ON e.id = q.exam_id WHERE e.category_id = $1),
			(SELECT COUNT(1) FROM attempts a JOIN exams e ON e.id = a.exam_id WHERE e.category_id = $1),
			(SELECT COUNT(1) FROM answers an JOIN attempts a ON a.id = an.attempt_id
				JOIN exams e ON e.id = a.exam_id WHERE e.category_id = $1),
			(SELECT COUNT(DISTINCT a.user_id) FROM attempts a JOIN exams e ON e.id = a.exam_id WHERE e.category_id = $1),
			(SELECT COUNT(1) FROM exams e WHERE e.category_id = $1 AND e.is_active = $2 AND e.status = $3),
			(SELECT COUNT(1) FROM attempts a JOIN exams e ON e.id = a.exam_id WHERE e.category_id = $1 AND a.status = $4)
	`, id.String(), true, StatusActive, "InProgress").Scan(
		&out.ExamCount, &out.QuestionCount, &out.ChoiceCount, &out.AttemptCount,
		&out.AnswerCount, &out.UniqueUsersAffected, &activeExams, &inProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("count category impact: %w", err)
	}
	out.HasActiveExams = activeExams > 0
	out.HasInProgressAttempts = inProgress > 0

	out.ExamTitles, err = s.recentTitles(ctx, `
		SELECT title FROM exams WHERE category_id = $1 ORDER BY created_at DESC, id ASC LIMIT $2
	`, id)
	if err != nil {
		return nil, err
	}

	switch {
	case out.HasInProgressAttempts:
		out.WarningMessage = "CRITICAL: Some users are currently taking exams in this category!"
	case out.HasActiveExams:
		out.WarningMessage = fmt.Sprintf("WARNING: This category contains %d active exam(s) that will be deleted.", activeExams)
	case out.UniqueUsersAffected > 0:
		out.WarningMessage = fmt.Sprintf("This category has historical data for %d user(s). Their attempts will also be removed.", out.UniqueUsersAffected)
	default:
		out.WarningMessage = "This category has no active or historical data."
	}
	s.log.Debug().Str("category_id", id.String()).Int("exams", out.ExamCount).Msg("category deletion impact computed")
	return out, nil
}

func (s *Service) ExamDeletionImpact(ctx context.Context, id uuid.UUID) (*ExamImpact, error) {
	out, err := fetch(ctx, s.cache, cache.ExamImpactKey(id), examImpactTTL, func(ctx context.Context) (*ExamImpact, error) {
		return s.loadExamImpact(ctx, id)
	})
	if err != nil {
		return nil, s.fail("masterdata.ExamDeletionImpact", err)
	}
	return out, nil
}

func (s *Service) loadExamImpact(ctx context.Context, id uuid.UUID) (*ExamImpact, error) {
	rec, err := s.getExam(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &ExamImpact{
		ExamID:        rec.ID,
		ExamTitle:     rec.Title,
		CategoryTitle: rec.CategoryTitle,
		IsActive:      rec.IsActive,
	}

	var inProgress int
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM questions q WHERE q.exam_id = $1),
			(SELECT COUNT(1) FROM choices ch JOIN questions q ON q.id = ch.question_id WHERE q.exam_id = $1),
			(SELECT COUNT(1) FROM attempts a WHERE a.exam_id = $1),
			(SELECT COUNT(1) FROM answers an JOIN attempts a ON a.id = an.attempt_id WHERE a.exam_id = $1),
			(SELECT COUNT(DISTINCT a.user_id) FROM attempts a WHERE a.exam_id = $1),
			(SELECT COUNT(1) FROM choices ch JOIN questions q ON q.id = ch.question_id
				WHERE q.exam_id = $1 AND ch.choice_type = $2 AND ch.file_path <> ''),
			(SELECT COUNT(1) FROM attempts a WHERE a.exam_id = $1 AND a.status = $3)
	`, id.String(), "Image", "InProgress").Scan(
		&out.QuestionCount, &out.ChoiceCount, &out.AttemptCount, &out.AnswerCount,
		&out.UniqueUsersAffected, &out.ChoiceImagesCount, &inProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("count exam impact: %w", err)
	}
	out.HasInProgressAttempts = inProgress > 0

	out.QuestionTitles, err = s.recentTitles(ctx, `
		SELECT title FROM questions WHERE exam_id = $1 ORDER BY created_at DESC, id ASC LIMIT $2
	`, id)
	if err != nil {
		return nil, err
	}

	switch {
	case out.HasInProgressAttempts:
		out.WarningMessage = "CRITICAL: Some users are currently taking this exam!"
	case rec.IsActive && rec.Status == StatusActive:
		out.WarningMessage = "WARNING: This is an active exam. Students can currently access it."
	case out.UniqueUsersAffected > 0:
		out.WarningMessage = fmt.Sprintf("This exam has historical attempts from %d user(s). Deleting it will remove their results.", out.UniqueUsersAffected)
	default:
		out.WarningMessage = "This exam has no user attempts yet."
	}
	s.log.Debug().Str("exam_id", id.String()).Int("questions", out.QuestionCount).Msg("exam deletion impact computed")
	return out, nil
}

func (s *Service) recentTitles(ctx context.Context, query string, id uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id.String(), impactTitleLimit)
	if err != nil {
		return nil, fmt.Errorf("list titles: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, impactTitleLimit)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		out = append(out, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate titles: %w", err)
	}
	return out, nil
}

// fetch falls through to the loader when no cache is configured.
func fetch[T any](ctx context.Context, c cache.Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	return cache.Fetch(ctx, c, key, ttl, load)
}
