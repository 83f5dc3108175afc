package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/cache"
	"examonline/internal/exam"
)

const impactTTL = 5 * time.Minute

// DeletionImpact previews DeleteQuestion. Choices go with the question;
// recorded answers are kept.
type DeletionImpact struct {
	QuestionID          uuid.UUID         `json:"questionId"`
	QuestionTitle       string            `json:"questionTitle"`
	ExamTitle           string            `json:"examTitle"`
	CategoryTitle       string            `json:"categoryTitle"`
	QuestionType        exam.QuestionType `json:"questionType"`
	ChoiceCount         int               `json:"choiceCount"`
	AnswerCount         int               `json:"userAnswerCount"`
	UniqueUsersAffected int               `json:"uniqueUsersAffected"`
	ChoiceImagesCount   int               `json:"choiceImagesCount"`
	ExamIsActive        bool              `json:"examIsActive"`
	HasUserAnswers      bool              `json:"hasUserAnswers"`
	WarningMessage      string            `json:"warningMessage"`
}

func (s *Service) QuestionDeletionImpact(ctx context.Context, id uuid.UUID) (*DeletionImpact, error) {
	load := func(ctx context.Context) (*DeletionImpact, error) { return s.loadImpact(ctx, id) }
	var (
		out *DeletionImpact
		err error
	)
	if s.cache == nil {
		out, err = load(ctx)
	} else {
		out, err = cache.Fetch(ctx, s.cache, cache.QuestionImpactKey(id), impactTTL, load)
	}
	if err != nil {
		return nil, s.fail("question.QuestionDeletionImpact", err)
	}
	return out, nil
}

func (s *Service) loadImpact(ctx context.Context, id uuid.UUID) (*DeletionImpact, error) {
	var (
		out        = &DeletionImpact{QuestionID: id}
		qType      string
		examActive bool
		examStatus string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT q.title, q.type, e.title, COALESCE(c.title, ''), e.is_active, e.status
		FROM questions q
		JOIN exams e ON e.id = q.exam_id
		LEFT JOIN categories c ON c.id = e.category_id
		WHERE q.id = $1
	`, id.String()).Scan(&out.QuestionTitle, &qType, &out.ExamTitle, &out.CategoryTitle, &examActive, &examStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrQuestionNotFound)
		}
		return nil, fmt.Errorf("load question: %w", err)
	}
	out.QuestionType = exam.QuestionType(qType)
	out.ExamIsActive = examActive && examStatus == "Active"

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM choices WHERE question_id = $1),
			(SELECT COUNT(1) FROM choices WHERE question_id = $1 AND choice_type = $2 AND file_path <> ''),
			(SELECT COUNT(1) FROM answers WHERE question_id = $1),
			(SELECT COUNT(DISTINCT a.user_id) FROM answers an JOIN attempts a ON a.id = an.attempt_id WHERE an.question_id = $1)
	`, id.String(), "Image").Scan(&out.ChoiceCount, &out.ChoiceImagesCount, &out.AnswerCount, &out.UniqueUsersAffected)
	if err != nil {
		return nil, fmt.Errorf("count question impact: %w", err)
	}
	out.HasUserAnswers = out.AnswerCount > 0

	switch {
	case out.ExamIsActive:
		out.WarningMessage = "This question belongs to an active exam. Deleting it may affect ongoing attempts."
	case out.HasUserAnswers:
		out.WarningMessage = fmt.Sprintf("This question has been answered by %d user(s). Historical records will remain.", out.UniqueUsersAffected)
	default:
		out.WarningMessage = "This question has no recorded user answers."
	}
	return out, nil
}
