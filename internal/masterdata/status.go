package masterdata

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"examonline/internal/apperr"
	"examonline/internal/db"
)

// ToggleExamStatus flips IsActive. Activation picks Scheduled or Active from
// the exam window; deactivation always returns the exam to Draft.
func (s *Service) ToggleExamStatus(ctx context.Context, id uuid.UUID) (*StatusChange, error) {
	const op = "masterdata.ToggleExamStatus"
	now := s.now().UTC()

	rec, err := s.getExam(ctx, id)
	if err != nil {
		return nil, s.fail(op, err)
	}

	out := &StatusChange{ID: rec.ID, Title: rec.Title, IsActive: !rec.IsActive}
	switch {
	case !out.IsActive:
		out.Status = StatusDraft
		out.Message = fmt.Sprintf("Exam '%s' has been deactivated and is no longer available to users", rec.Title)
	case rec.EndDate.Before(now):
		return nil, apperr.BusinessRule("Cannot activate an exam that has already ended. Please update the exam dates first.")
	case rec.StartDate.After(now):
		out.Status = StatusScheduled
		out.Message = fmt.Sprintf("Exam '%s' activated and scheduled to start on %s", rec.Title, rec.StartDate.Format("2006-01-02 15:04"))
	default:
		out.Status = StatusActive
		out.Message = fmt.Sprintf("Exam '%s' is now active and available to users", rec.Title)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE exams SET is_active = $2, status = $3, updated_at = $4 WHERE id = $1
	`, id.String(), out.IsActive, out.Status, db.Millis(now))
	if err != nil {
		return nil, s.fail(op, fmt.Errorf("toggle exam status: %w", err))
	}

	s.invalidator.Exams(ctx)
	s.log.Info().
		Str("exam_id", id.String()).
		Bool("previous_active", rec.IsActive).
		Bool("active", out.IsActive).
		Str("previous_status", rec.Status).
		Str("status", out.Status).
		Msg("exam status toggled")
	return out, nil
}

// CompleteExpiredExams closes active exams whose end date has passed.
func (s *Service) CompleteExpiredExams(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exams
		SET status = $1, is_active = $2, updated_at = $3
		WHERE is_active = $4 AND status = $5 AND end_date < $3
	`, StatusCompleted, false, db.Millis(now), true, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("complete expired exams: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidator.Exams(ctx)
		s.log.Info().Int64("count", n).Msg("expired exams completed")
	}
	return n, nil
}

// ActivateScheduledExams opens scheduled exams whose window contains now.
func (s *Service) ActivateScheduledExams(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exams
		SET status = $1, updated_at = $2
		WHERE status = $3 AND start_date <= $2 AND end_date >= $2
	`, StatusActive, db.Millis(now), StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("activate scheduled exams: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.invalidator.Exams(ctx)
		s.log.Info().Int64("count", n).Msg("scheduled exams activated")
	}
	return n, nil
}
