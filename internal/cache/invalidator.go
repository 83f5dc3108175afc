package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const invalidateTimeout = 3 * time.Second

// Invalidator drops prefix groups after a write has committed. Failures are
// logged and never returned: a stale read is preferable to a failed write.
type Invalidator struct {
	cache Cache
	log   zerolog.Logger
}

func NewInvalidator(c Cache, logger zerolog.Logger) *Invalidator {
	return &Invalidator{cache: c, log: logger.With().Str("component", "cache_invalidator").Logger()}
}

func (i *Invalidator) Invalidate(ctx context.Context, prefixes ...string) {
	if i == nil || i.cache == nil {
		return
	}
	// The request may already be cancelled once the write has committed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	for _, p := range prefixes {
		if err := i.cache.RemoveByPrefix(ctx, p); err != nil {
			i.log.Error().Err(err).Str("prefix", p).Msg("cache invalidation failed")
			continue
		}
		i.log.Debug().Str("prefix", p).Msg("cache prefix invalidated")
	}
}

func (i *Invalidator) Categories(ctx context.Context) {
	i.Invalidate(ctx, PrefixCategories, PrefixExams)
}

func (i *Invalidator) Exams(ctx context.Context) {
	i.Invalidate(ctx, PrefixExams)
}

func (i *Invalidator) Questions(ctx context.Context) {
	i.Invalidate(ctx, PrefixQuestions, PrefixExams)
}

// ExamReport drops the report of one exam once an attempt on it finishes.
func (i *Invalidator) ExamReport(ctx context.Context, examID fmt.Stringer) {
	i.Invalidate(ctx, ExamReportPrefix(examID))
}

func (i *Invalidator) Users(ctx context.Context) {
	i.Invalidate(ctx, PrefixUsers)
}

func (i *Invalidator) User(ctx context.Context, userID string) {
	i.Invalidate(ctx, UserPrefix(userID))
}
