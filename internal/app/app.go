package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"examonline/internal/app/observability"
	"examonline/internal/auth"
	"examonline/internal/cache"
	"examonline/internal/db"
	"examonline/internal/exam"
	"examonline/internal/jobs"
	"examonline/internal/masterdata"
	"examonline/internal/question"
	"examonline/internal/report"
)

// Infra holds the connections opened by the binary.
type Infra struct {
	DB     *sql.DB
	Driver db.Driver
	Cache  *cache.TwoTier
	// Publisher may be nil; attempt events are then not emitted.
	Publisher exam.EventPublisher
	Logger    zerolog.Logger
}

// App is the wired application: services, HTTP router and, when enabled,
// the job scheduler.
type App struct {
	Router  http.Handler
	Auth    *auth.Service
	Exams   *exam.Service
	Catalog *masterdata.Service
	Jobs    *jobs.Scheduler
}

func New(cfg Config, infra Infra) (*App, error) {
	if infra.DB == nil {
		return nil, errors.New("app: database is required")
	}
	if infra.Cache == nil {
		infra.Cache = cache.New(nil, cache.Options{L1MaxTTL: cfg.CacheL1MaxTTL, Logger: &infra.Logger})
	}
	log := infra.Logger
	inv := cache.NewInvalidator(infra.Cache, log)

	authSvc := auth.NewService(infra.DB, auth.ServiceConfig{
		Tokens:      auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL),
		Cache:       infra.Cache,
		Invalidator: inv,
		Logger:      log,
	})

	content := exam.NewCachedContent(exam.NewSQLContent(infra.DB), infra.Cache)
	examSvc := exam.NewService(exam.NewSQLStore(infra.DB, infra.Driver), content, exam.Options{
		Cache:       infra.Cache,
		Invalidator: inv,
		Publisher:   infra.Publisher,
		Logger:      log,
		AnswerMode:  exam.ParseAnswerMode(cfg.ExamSubmitAnswerMode),
	})

	catalogSvc := masterdata.NewService(infra.DB, masterdata.Options{Cache: infra.Cache, Invalidator: inv, Logger: log})
	questionSvc := question.NewService(infra.DB, question.Options{Cache: infra.Cache, Invalidator: inv, Logger: log})
	reportSvc := report.NewService(infra.DB, infra.Cache, log)

	router := NewRouter(cfg, Handlers{
		DB:        infra.DB,
		Auth:      auth.NewHandler(authSvc),
		Exams:     exam.NewHandler(examSvc),
		Catalog:   masterdata.NewHandler(catalogSvc),
		Questions: question.NewHandler(questionSvc),
		Reports:   report.NewHandler(reportSvc),
		Metrics:   observability.NewCollector(infra.DB, infra.Cache.Local(), log),
	})

	a := &App{
		Router:  router,
		Auth:    authSvc,
		Exams:   examSvc,
		Catalog: catalogSvc,
	}
	if cfg.JobsEnabled {
		sched, err := jobs.New(jobs.Config{
			SweepSchedule:    cfg.SweepSchedule,
			ExpireSchedule:   cfg.ExamExpireSchedule,
			ActivateSchedule: cfg.ExamActivateSchedule,
			PurgeSchedule:    cfg.CachePurgeSchedule,
			SweepBatchSize:   cfg.SweepBatchSize,
		}, jobs.Deps{
			Attempts: examSvc,
			Exams:    catalogSvc,
			Cache:    infra.Cache.Local(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("app: jobs: %w", err)
		}
		a.Jobs = sched
	}
	return a, nil
}
