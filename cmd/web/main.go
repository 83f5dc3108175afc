package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"examonline/internal/app"
	"examonline/internal/cache"
	"examonline/internal/db"
	"examonline/internal/exam"
	"examonline/internal/messaging"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("examonline stopped")
		os.Exit(1)
	}
}

func newLogger(cfg app.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "examonline").Logger()
}

func run(cfg app.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		return err
	}
	dbConn, err := db.Open(ctx, driver, cfg.DBDSN, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer dbConn.Close()
	logger.Info().Str("driver", string(driver)).Msg("database ready")

	rdb, err := cache.OpenRedis(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	var tiers *cache.TwoTier
	if rdb != nil {
		defer rdb.Close()
		tiers = cache.New(rdb, cache.Options{L1MaxTTL: cfg.CacheL1MaxTTL, Logger: &logger})
		go func() {
			if err := tiers.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("cache invalidation listener stopped")
			}
		}()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis cache ready")
	} else {
		tiers = cache.New(nil, cache.Options{L1MaxTTL: cfg.CacheL1MaxTTL, Logger: &logger})
		logger.Warn().Msg("REDIS_ADDR not set, running with the local cache only")
	}

	var publisher exam.EventPublisher
	if cfg.AMQPURL != "" {
		mq, err := messaging.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer mq.Close()
		publisher = mq
		logger.Info().Msg("rabbitmq publisher ready")
	}

	application, err := app.New(cfg, app.Infra{
		DB:        dbConn,
		Driver:    driver,
		Cache:     tiers,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := application.Auth.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword); err != nil {
		return err
	}
	if application.Jobs != nil {
		application.Jobs.Start()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("examonline web listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if application.Jobs != nil {
		if err := application.Jobs.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("jobs shutdown")
		}
	}
	return nil
}
