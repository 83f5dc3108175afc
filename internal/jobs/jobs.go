// Package jobs runs the periodic maintenance work: expiring overdue attempts,
// moving exams through their schedule and purging the local cache tier.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"examonline/internal/exam"
)

const (
	DefaultSweepSchedule    = "@every 1m"
	DefaultExpireSchedule   = "0 * * * *"
	DefaultActivateSchedule = "*/5 * * * *"
	DefaultPurgeSchedule    = "@every 5m"
	DefaultSweepBatchSize   = 100

	defaultJobTimeout = 4 * time.Minute
)

type AttemptSweeper interface {
	ExpireOverdue(ctx context.Context, now time.Time, batchSize int) (exam.SweepResult, error)
}

type ExamScheduler interface {
	CompleteExpiredExams(ctx context.Context, now time.Time) (int64, error)
	ActivateScheduledExams(ctx context.Context, now time.Time) (int64, error)
}

type LocalCache interface {
	DeleteExpired() int
}

type Config struct {
	SweepSchedule    string
	ExpireSchedule   string
	ActivateSchedule string
	PurgeSchedule    string
	SweepBatchSize   int
	JobTimeout       time.Duration
}

// Deps may leave any field nil; its jobs are then not registered.
type Deps struct {
	Attempts AttemptSweeper
	Exams    ExamScheduler
	Cache    LocalCache
}

type Scheduler struct {
	cron *cron.Cron
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

func New(cfg Config, deps Deps, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.ExpireSchedule == "" {
		cfg.ExpireSchedule = DefaultExpireSchedule
	}
	if cfg.ActivateSchedule == "" {
		cfg.ActivateSchedule = DefaultActivateSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultPurgeSchedule
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultSweepBatchSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	log := logger.With().Str("component", "jobs").Logger()
	cronLog := cron.PrintfLogger(&log)
	s := &Scheduler{
		cron: cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		cfg:  cfg,
		deps: deps,
		log:  log,
		now:  time.Now,
	}

	type entry struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
		enabled  bool
	}
	entries := []entry{
		{name: "attempt_sweep", schedule: cfg.SweepSchedule, run: s.SweepAttempts, enabled: deps.Attempts != nil},
		{name: "exam_complete", schedule: cfg.ExpireSchedule, run: s.CompleteExams, enabled: deps.Exams != nil},
		{name: "exam_activate", schedule: cfg.ActivateSchedule, run: s.ActivateExams, enabled: deps.Exams != nil},
		{name: "cache_purge", schedule: cfg.PurgeSchedule, run: s.PurgeLocalCache, enabled: deps.Cache != nil},
	}
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, s.wrap(e.name, e.run)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", e.name, e.schedule, err)
		}
		s.log.Info().Str("job", e.name).Str("schedule", e.schedule).Msg("job registered")
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		started := time.Now()
		if err := run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Dur("took", time.Since(started)).Msg("job failed")
		}
	}
}

func (s *Scheduler) SweepAttempts(ctx context.Context) error {
	res, err := s.deps.Attempts.ExpireOverdue(ctx, s.now(), s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	if res.Scanned > 0 {
		s.log.Info().
			Int("scanned", res.Scanned).
			Int("expired", res.Expired).
			Int("failed", res.Failed).
			Msg("overdue attempts swept")
	}
	return nil
}

func (s *Scheduler) CompleteExams(ctx context.Context) error {
	_, err := s.deps.Exams.CompleteExpiredExams(ctx, s.now().UTC())
	return err
}

func (s *Scheduler) ActivateExams(ctx context.Context) error {
	_, err := s.deps.Exams.ActivateScheduledExams(ctx, s.now().UTC())
	return err
}

func (s *Scheduler) PurgeLocalCache(context.Context) error {
	if n := s.deps.Cache.DeleteExpired(); n > 0 {
		s.log.Debug().Int("evicted", n).Msg("local cache purged")
	}
	return nil
}
