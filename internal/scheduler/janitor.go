// Package scheduler implements the context cache janitor: a cron-driven
// background job that purges cache entries past their retention window so the
// cache table does not grow without bound.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/resolver"
)

// Janitor periodically removes stale context cache entries.
type Janitor struct {
	store     resolver.CacheStore
	schedule  cron.Schedule
	retention time.Duration
	metrics   *Metrics
	logger    *slog.Logger
}

// NewJanitor creates a Janitor. scheduleExpr is a standard 5-field cron
// expression ("*/15 * * * *" runs every 15 minutes).
func NewJanitor(store resolver.CacheStore, scheduleExpr string, retention time.Duration, metrics *Metrics, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", scheduleExpr, err)
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Janitor{
		store:     store,
		schedule:  schedule,
		retention: retention,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Start begins the janitor loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "cache janitor started",
			slog.String("retention", j.retention.String()),
		)

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("cache janitor stopped")
				return
			case <-timer.C:
				j.purge(ctx)
			}
		}
	}()

	return cancel
}

// Purge runs one purge cycle immediately. Exposed for operator-triggered
// cleanup alongside the scheduled loop.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	return j.store.DeleteOlderThan(ctx, cutoff)
}

func (j *Janitor) purge(ctx context.Context) {
	start := time.Now()
	removed, err := j.Purge(ctx)
	duration := time.Since(start)

	if j.metrics != nil {
		j.metrics.PurgesRun.Inc()
		j.metrics.PurgeDuration.Observe(duration.Seconds())
	}

	if err != nil {
		if j.metrics != nil {
			j.metrics.PurgesFailed.Inc()
		}
		j.logger.ErrorContext(ctx, "cache purge failed",
			slog.String("error", err.Error()),
		)
		return
	}

	if j.metrics != nil {
		j.metrics.EntriesPurged.Add(float64(removed))
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "cache purge completed",
			slog.Int64("removed", removed),
			slog.String("duration", duration.String()),
		)
	}
}
