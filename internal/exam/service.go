package exam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"examonline/internal/apperr"
	"examonline/internal/cache"
)

const (
	msgNotActive        = "This exam is not currently active"
	msgNotStarted       = "This exam has not started yet. It will be available on %s"
	msgEnded            = "This exam has already ended"
	msgNoQuestions      = "This exam has no questions"
	msgAlreadyFinalized = "attempt already finalized"
	msgAlreadyCompleted = "attempt already completed"
	msgNoActiveAttempt  = "No active or in-progress exam found."
	msgResumeExpired    = "Exam duration expired. Your exam was automatically submitted."
	msgResuming         = "Resuming exam, %d minutes remaining."
	msgSubmitTimedOut   = "Time expired! Your exam was automatically submitted."
	msgSubmitHighest    = "Congratulations! This is your highest score for this exam!"
	msgSubmitted        = "Exam submitted successfully!"

	startDateLayout = "2006-01-02 15:04"
)

type AnswerMode string

const (
	// AnswerModeReplace drops earlier rows for each submitted question.
	AnswerModeReplace AnswerMode = "replace"
	// AnswerModeAppend adds submitted rows next to whatever was saved before.
	AnswerModeAppend AnswerMode = "append"
)

func ParseAnswerMode(s string) AnswerMode {
	if AnswerMode(s) == AnswerModeAppend {
		return AnswerModeAppend
	}
	return AnswerModeReplace
}

type Options struct {
	Cache       cache.Cache
	Invalidator *cache.Invalidator
	Publisher   EventPublisher
	Logger      zerolog.Logger
	AnswerMode  AnswerMode
	HistoryTTL  time.Duration
}

// Service runs the attempt lifecycle. Every operation takes the caller's
// clock so deadlines are decided by the server, never by the client.
type Service struct {
	store       AttemptStore
	content     ContentProvider
	cache       cache.Cache
	invalidator *cache.Invalidator
	publisher   EventPublisher
	log         zerolog.Logger
	answerMode  AnswerMode
	historyTTL  time.Duration
}

func NewService(store AttemptStore, content ContentProvider, opts Options) *Service {
	if opts.AnswerMode == "" {
		opts.AnswerMode = AnswerModeReplace
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 10 * time.Minute
	}
	return &Service{
		store:       store,
		content:     content,
		cache:       opts.Cache,
		invalidator: opts.Invalidator,
		publisher:   opts.Publisher,
		log:         opts.Logger.With().Str("component", "exam").Logger(),
		answerMode:  opts.AnswerMode,
		historyTTL:  opts.HistoryTTL,
	}
}

type StartResult struct {
	UserExamID uuid.UUID      `json:"userExamId"`
	ExamID     uuid.UUID      `json:"examId"`
	ExamTitle  string         `json:"examTitle"`
	Duration   int            `json:"duration"`
	StartTime  time.Time      `json:"startTime"`
	ExpiryTime time.Time      `json:"expiryTime"`
	Questions  []QuestionView `json:"questions"`
}

type SaveProgressResult struct {
	IsSuccess    bool      `json:"isSuccess"`
	LastSaved    time.Time `json:"lastSaved"`
	AnswersSaved int       `json:"answersSaved"`
}

type ResumeResult struct {
	CanResume            bool                      `json:"canResume"`
	UserExamID           *uuid.UUID                `json:"userExamId,omitempty"`
	ExamTitle            string                    `json:"examTitle"`
	TimeRemainingSeconds int                       `json:"timeRemainingSeconds"`
	OriginalStartTime    time.Time                 `json:"originalStartTime"`
	ExpiryTime           time.Time                 `json:"expiryTime"`
	Questions            []QuestionView            `json:"questions"`
	SavedAnswers         map[uuid.UUID][]uuid.UUID `json:"savedAnswers"`
	Message              string                    `json:"message"`
}

type SubmitResult struct {
	UserExamID       uuid.UUID     `json:"userExamId"`
	Score            int           `json:"score"`
	TotalQuestions   int           `json:"totalQuestions"`
	CorrectAnswers   int           `json:"correctAnswers"`
	IncorrectAnswers int           `json:"incorrectAnswers"`
	DurationTaken    int           `json:"durationTaken"`
	AttemptStatus    AttemptStatus `json:"attemptStatus"`
	IsHighestScore   bool          `json:"isHighestScore"`
	Message          string        `json:"message"`
}

type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

func (s *Service) StartAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*StartResult, error) {
	const op = "exam.StartAttempt"

	e, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, s.fail(op, userID, uuid.Nil, err)
	}
	if err := checkAvailable(e, now); err != nil {
		return nil, err
	}

	existing, err := s.store.FindLatestInProgress(ctx, userID, examID)
	switch {
	case err == nil:
		if remainingSeconds(existing, e, now) > 0 {
			return startResult(e, existing), nil
		}
		if _, err := s.autoExpire(ctx, existing.ID, e, now); err != nil {
			return nil, s.fail(op, userID, existing.ID, err)
		}
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, s.fail(op, userID, uuid.Nil, err)
	}

	a := &Attempt{
		ID:             uuid.New(),
		UserID:         userID,
		ExamID:         e.ID,
		AttemptDate:    now,
		LastActivityAt: now,
		Status:         StatusInProgress,
	}
	if err := s.store.Create(ctx, a); err != nil {
		if !errors.Is(err, ErrAttemptConflict) {
			return nil, s.fail(op, userID, a.ID, err)
		}
		// A concurrent start won the unique index; hand back its attempt.
		winner, ferr := s.store.FindLatestInProgress(ctx, userID, examID)
		if ferr != nil {
			return nil, s.fail(op, userID, a.ID, fmt.Errorf("reload after conflict: %w", ferr))
		}
		return startResult(e, winner), nil
	}

	s.log.Info().
		Str("user_id", userID).
		Str("exam_id", e.ID.String()).
		Str("attempt_id", a.ID.String()).
		Time("expires_at", a.Deadline(e.DurationMinutes)).
		Msg("attempt started")
	return startResult(e, a), nil
}

func (s *Service) SaveProgress(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SaveProgressResult, error) {
	const op = "exam.SaveProgress"

	a, e, err := s.loadOwnedAttempt(ctx, userID, attemptID)
	if err != nil {
		return nil, s.fail(op, userID, attemptID, err)
	}
	if a.Status != StatusInProgress {
		return nil, apperr.BusinessRule(msgAlreadyFinalized)
	}
	if remainingSeconds(a, e, now) <= 0 {
		if _, err := s.autoExpire(ctx, a.ID, e, now); err != nil {
			return nil, s.fail(op, userID, attemptID, err)
		}
		return nil, apperr.BusinessRule(msgAlreadyFinalized)
	}

	answers = normalizeSubmissions(answers)
	if err := validateAnswers(e, answers); err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(tx AttemptTx) error {
		cur, err := tx.FindByID(ctx, attemptID)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return ErrAttemptFinalized
		}
		for _, ans := range answers {
			if err := tx.ReplaceAnswers(ctx, attemptID, ans.QuestionID, ans.SelectedChoiceIDs); err != nil {
				return err
			}
		}
		cur.LastActivityAt = now
		return tx.Save(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, ErrAttemptFinalized) {
			return nil, apperr.BusinessRule(msgAlreadyFinalized)
		}
		return nil, s.fail(op, userID, attemptID, err)
	}

	s.log.Debug().
		Str("attempt_id", attemptID.String()).
		Int("questions", len(answers)).
		Msg("progress saved")
	return &SaveProgressResult{IsSuccess: true, LastSaved: now, AnswersSaved: len(answers)}, nil
}

func (s *Service) ResumeAttempt(ctx context.Context, userID string, examID uuid.UUID, now time.Time) (*ResumeResult, error) {
	const op = "exam.ResumeAttempt"

	a, err := s.store.FindLatestInProgress(ctx, userID, examID)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return &ResumeResult{Message: msgNoActiveAttempt, Questions: []QuestionView{}, SavedAnswers: map[uuid.UUID][]uuid.UUID{}}, nil
		}
		return nil, s.fail(op, userID, uuid.Nil, err)
	}
	e, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, s.fail(op, userID, a.ID, err)
	}

	remaining := remainingSeconds(a, e, now)
	if remaining <= 0 {
		if _, err := s.autoExpire(ctx, a.ID, e, now); err != nil {
			return nil, s.fail(op, userID, a.ID, err)
		}
		return &ResumeResult{Message: msgResumeExpired, Questions: []QuestionView{}, SavedAnswers: map[uuid.UUID][]uuid.UUID{}}, nil
	}

	var rows []Answer
	err = s.store.WithinTx(ctx, func(tx AttemptTx) error {
		cur, err := tx.FindByID(ctx, a.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return ErrAttemptFinalized
		}
		if rows, err = tx.ListAnswers(ctx, a.ID); err != nil {
			return err
		}
		cur.LastActivityAt = now
		return tx.Save(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, ErrAttemptFinalized) {
			return &ResumeResult{Message: msgNoActiveAttempt, Questions: []QuestionView{}, SavedAnswers: map[uuid.UUID][]uuid.UUID{}}, nil
		}
		return nil, s.fail(op, userID, a.ID, err)
	}

	saved := make(map[uuid.UUID][]uuid.UUID)
	for _, g := range GroupAnswers(rows) {
		saved[g.QuestionID] = g.SelectedChoiceIDs
	}
	id := a.ID
	return &ResumeResult{
		CanResume:            true,
		UserExamID:           &id,
		ExamTitle:            e.Title,
		TimeRemainingSeconds: remaining,
		OriginalStartTime:    a.AttemptDate,
		ExpiryTime:           a.Deadline(e.DurationMinutes),
		Questions:            Views(e.Questions),
		SavedAnswers:         saved,
		Message:              fmt.Sprintf(msgResuming, (remaining+59)/60),
	}, nil
}

func (s *Service) SubmitAttempt(ctx context.Context, userID string, attemptID uuid.UUID, answers []AnswerSubmission, now time.Time) (*SubmitResult, error) {
	const op = "exam.SubmitAttempt"

	a, e, err := s.loadOwnedAttempt(ctx, userID, attemptID)
	if err != nil {
		return nil, s.fail(op, userID, attemptID, err)
	}
	if a.Status != StatusInProgress {
		return nil, apperr.BusinessRule(msgAlreadyCompleted)
	}

	answers = normalizeSubmissions(answers)
	if err := validateAnswers(e, answers); err != nil {
		return nil, err
	}

	var (
		final *Attempt
		score ScoreResult
	)
	err = s.store.WithinTx(ctx, func(tx AttemptTx) error {
		cur, err := tx.FindByID(ctx, attemptID)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return ErrAttemptFinalized
		}
		if err := s.persistAnswers(ctx, tx, attemptID, answers); err != nil {
			return err
		}

		taken := int(now.Sub(cur.AttemptDate).Seconds())
		cur.Status = StatusCompleted
		if taken > e.DurationSeconds() {
			cur.Status = StatusTimedOut
		}
		score = CalculateScore(e.Questions, answers)
		cur.DurationTakenSeconds = taken
		cur.Score = score.Score
		cur.CorrectAnswers = score.CorrectAnswers
		cur.LastActivityAt = now
		if err := tx.Save(ctx, cur); err != nil {
			return err
		}
		final = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAttemptFinalized) {
			return nil, apperr.BusinessRule(msgAlreadyCompleted)
		}
		return nil, s.fail(op, userID, attemptID, err)
	}

	s.afterFinalize(ctx, final, score.TotalQuestions, reasonSubmitted)

	highest, err := s.isHighestScore(ctx, final)
	if err != nil {
		// The attempt is already committed; a failed comparison must not
		// turn a successful submit into an error.
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("highest score lookup failed")
	}

	msg := msgSubmitted
	switch {
	case final.Status == StatusTimedOut:
		msg = msgSubmitTimedOut
	case highest:
		msg = msgSubmitHighest
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("user_id", userID).
		Str("status", string(final.Status)).
		Int("correct", score.CorrectAnswers).
		Int("total", score.TotalQuestions).
		Bool("highest", highest).
		Msg("attempt submitted")

	return &SubmitResult{
		UserExamID:       final.ID,
		Score:            score.Score,
		TotalQuestions:   score.TotalQuestions,
		CorrectAnswers:   score.CorrectAnswers,
		IncorrectAnswers: score.IncorrectAnswers,
		DurationTaken:    final.DurationTakenSeconds,
		AttemptStatus:    final.Status,
		IsHighestScore:   highest,
		Message:          msg,
	}, nil
}

// AutoExpire times out an attempt from its stored answers. It is a no-op
// for attempts that are already terminal, so callers may race freely.
func (s *Service) AutoExpire(ctx context.Context, attemptID uuid.UUID, now time.Time) (bool, error) {
	const op = "exam.AutoExpire"

	a, err := s.store.FindByID(ctx, attemptID)
	if err != nil {
		return false, s.fail(op, "", attemptID, err)
	}
	if a.Status != StatusInProgress {
		return false, nil
	}
	e, err := s.loadExam(ctx, a.ExamID)
	if err != nil {
		return false, s.fail(op, a.UserID, attemptID, err)
	}
	expired, err := s.autoExpire(ctx, attemptID, e, now)
	if err != nil {
		return false, s.fail(op, a.UserID, attemptID, err)
	}
	return expired, nil
}

// ExpireOverdue sweeps InProgress attempts past their deadline. One failing
// attempt is logged and skipped; it never stops the batch.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, batchSize int) (SweepResult, error) {
	var res SweepResult
	overdue, err := s.store.ListOverdue(ctx, now, batchSize)
	if err != nil {
		return res, apperr.Failed("exam.ExpireOverdue", err)
	}
	res.Scanned = len(overdue)

	for _, a := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		expired, err := s.AutoExpire(ctx, a.ID, now)
		if err != nil {
			res.Failed++
			continue
		}
		if expired {
			res.Expired++
		}
	}

	if res.Scanned > 0 {
		s.log.Info().
			Int("scanned", res.Scanned).
			Int("expired", res.Expired).
			Int("failed", res.Failed).
			Msg("overdue attempts swept")
	}
	return res, nil
}

func (s *Service) autoExpire(ctx context.Context, attemptID uuid.UUID, e *Exam, now time.Time) (bool, error) {
	var (
		final *Attempt
		score ScoreResult
	)
	err := s.store.WithinTx(ctx, func(tx AttemptTx) error {
		cur, err := tx.FindByID(ctx, attemptID)
		if err != nil {
			return err
		}
		if cur.Status != StatusInProgress {
			return nil
		}
		rows, err := tx.ListAnswers(ctx, attemptID)
		if err != nil {
			return err
		}
		score = CalculateScore(e.Questions, GroupAnswers(rows))
		cur.Status = StatusTimedOut
		cur.DurationTakenSeconds = int(now.Sub(cur.AttemptDate).Seconds())
		cur.Score = score.Score
		cur.CorrectAnswers = score.CorrectAnswers
		cur.LastActivityAt = now
		if err := tx.Save(ctx, cur); err != nil {
			return err
		}
		final = cur
		return nil
	})
	if errors.Is(err, ErrAttemptFinalized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if final == nil {
		return false, nil
	}

	s.log.Info().
		Str("attempt_id", final.ID.String()).
		Str("user_id", final.UserID).
		Int("score", final.Score).
		Msg("attempt auto-expired")
	s.afterFinalize(ctx, final, score.TotalQuestions, reasonExpired)
	return true, nil
}

func (s *Service) persistAnswers(ctx context.Context, tx AttemptTx, attemptID uuid.UUID, answers []AnswerSubmission) error {
	if s.answerMode == AnswerModeAppend {
		rows := make([]Answer, 0)
		for _, ans := range answers {
			for _, c := range ans.SelectedChoiceIDs {
				rows = append(rows, Answer{AttemptID: attemptID, QuestionID: ans.QuestionID, ChoiceID: c})
			}
		}
		return tx.AppendAnswers(ctx, attemptID, rows)
	}
	for _, ans := range answers {
		if err := tx.ReplaceAnswers(ctx, attemptID, ans.QuestionID, ans.SelectedChoiceIDs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) afterFinalize(ctx context.Context, a *Attempt, total int, reason string) {
	s.invalidator.User(ctx, a.UserID)
	s.invalidator.ExamReport(ctx, a.ExamID)
	s.publishFinalized(ctx, a, total, reason)
}

func (s *Service) isHighestScore(ctx context.Context, a *Attempt) (bool, error) {
	best, found, err := s.store.MaxScore(ctx, a.UserID, a.ExamID, a.ID, StatusCompleted)
	if err != nil {
		return false, err
	}
	return !found || a.Score >= best, nil
}

func (s *Service) loadExam(ctx context.Context, examID uuid.UUID) (*Exam, error) {
	e, err := s.content.GetExamWithQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load exam content: %w", err)
	}
	if e == nil {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrExamNotFound)
	}
	return e, nil
}

// loadOwnedAttempt hides attempts of other users behind NotFound.
func (s *Service) loadOwnedAttempt(ctx context.Context, userID string, attemptID uuid.UUID) (*Attempt, *Exam, error) {
	a, err := s.store.FindByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return nil, nil, apperr.Wrap(apperr.KindNotFound, ErrAttemptNotFound)
		}
		return nil, nil, err
	}
	if a.UserID != userID {
		return nil, nil, apperr.Wrap(apperr.KindNotFound, ErrAttemptNotFound)
	}
	e, err := s.loadExam(ctx, a.ExamID)
	if err != nil {
		return nil, nil, err
	}
	return a, e, nil
}

// fail logs unexpected errors once and hides them behind OperationFailed.
// Typed errors pass through untouched.
func (s *Service) fail(op, userID string, attemptID uuid.UUID, err error) error {
	wrapped := apperr.Failed(op, err)
	if apperr.KindOf(wrapped) == apperr.KindOperationFailed {
		ev := s.log.Error().Err(err).Str("op", op)
		if userID != "" {
			ev = ev.Str("user_id", userID)
		}
		if attemptID != uuid.Nil {
			ev = ev.Str("attempt_id", attemptID.String())
		}
		ev.Msg("exam operation failed")
	}
	return wrapped
}

func checkAvailable(e *Exam, now time.Time) error {
	if !e.IsActive || e.Status != ExamActive {
		return apperr.BusinessRule(msgNotActive)
	}
	if e.StartDate.After(now) {
		return apperr.BusinessRule(fmt.Sprintf(msgNotStarted, e.StartDate.Format(startDateLayout)))
	}
	if e.EndDate.Before(now) {
		return apperr.BusinessRule(msgEnded)
	}
	if len(e.Questions) == 0 {
		return apperr.BusinessRule(msgNoQuestions)
	}
	return nil
}

// remainingSeconds truncates elapsed time to whole seconds before
// subtracting, so an attempt is overdue once the full duration has passed.
func remainingSeconds(a *Attempt, e *Exam, now time.Time) int {
	elapsed := int(now.Sub(a.AttemptDate).Seconds())
	return e.DurationSeconds() - elapsed
}

func startResult(e *Exam, a *Attempt) *StartResult {
	return &StartResult{
		UserExamID: a.ID,
		ExamID:     e.ID,
		ExamTitle:  e.Title,
		Duration:   e.DurationMinutes,
		StartTime:  a.AttemptDate,
		ExpiryTime: a.Deadline(e.DurationMinutes),
		Questions:  Views(e.Questions),
	}
}

// normalizeSubmissions keeps the first entry per question and drops repeated
// choice ids, so what is stored and what is scored always agree.
func normalizeSubmissions(answers []AnswerSubmission) []AnswerSubmission {
	seen := make(map[uuid.UUID]struct{}, len(answers))
	out := make([]AnswerSubmission, 0, len(answers))
	for _, a := range answers {
		if _, dup := seen[a.QuestionID]; dup {
			continue
		}
		seen[a.QuestionID] = struct{}{}
		choices := make([]uuid.UUID, 0, len(a.SelectedChoiceIDs))
		picked := make(map[uuid.UUID]struct{}, len(a.SelectedChoiceIDs))
		for _, c := range a.SelectedChoiceIDs {
			if _, dup := picked[c]; dup {
				continue
			}
			picked[c] = struct{}{}
			choices = append(choices, c)
		}
		out = append(out, AnswerSubmission{QuestionID: a.QuestionID, SelectedChoiceIDs: choices})
	}
	return out
}

func validateAnswers(e *Exam, answers []AnswerSubmission) error {
	for _, a := range answers {
		q, ok := e.question(a.QuestionID)
		if !ok {
			return apperr.BusinessRule(fmt.Sprintf("question %s does not belong to this exam", a.QuestionID))
		}
		for _, c := range a.SelectedChoiceIDs {
			if !q.hasChoice(c) {
				return apperr.BusinessRule(fmt.Sprintf("choice %s does not belong to question %s", c, a.QuestionID))
			}
		}
	}
	return nil
}
