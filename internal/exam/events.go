package exam

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const QueueAttemptFinalized = "exam.attempt.finalized"

// EventPublisher delivers a JSON body to a named queue.
type EventPublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

type AttemptFinalizedEvent struct {
	AttemptID            uuid.UUID     `json:"attemptId"`
	UserID               string        `json:"userId"`
	ExamID               uuid.UUID     `json:"examId"`
	Status               AttemptStatus `json:"status"`
	Score                int           `json:"score"`
	CorrectAnswers       int           `json:"correctAnswers"`
	TotalQuestions       int           `json:"totalQuestions"`
	DurationTakenSeconds int           `json:"durationTakenSeconds"`
	Reason               string        `json:"reason"`
	FinalizedAt          time.Time     `json:"finalizedAt"`
}

const (
	reasonSubmitted = "submitted"
	reasonExpired   = "expired"
)

func (s *Service) publishFinalized(ctx context.Context, a *Attempt, total int, reason string) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(AttemptFinalizedEvent{
		AttemptID:            a.ID,
		UserID:               a.UserID,
		ExamID:               a.ExamID,
		Status:               a.Status,
		Score:                a.Score,
		CorrectAnswers:       a.CorrectAnswers,
		TotalQuestions:       total,
		DurationTakenSeconds: a.DurationTakenSeconds,
		Reason:               reason,
		FinalizedAt:          a.LastActivityAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("encode attempt event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, QueueAttemptFinalized, body); err != nil {
		s.log.Warn().Err(err).
			Str("attempt_id", a.ID.String()).
			Str("user_id", a.UserID).
			Msg("publish attempt finalized")
	}
}
