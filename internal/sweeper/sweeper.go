// Package sweeper purges handled records once they fall out of the retention
// window.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/store"
)

// Purger is the store operation the sweeper needs.
type Purger interface {
	PurgeHandledOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// Sweeper runs PurgeHandledOlderThan on a fixed interval.
type Sweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Sweeper. A non-positive interval defaults to 24 hours.
func New(st Purger, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// SweepOnce deletes handled records older than the retention window and
// returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeHandledOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged handled messages", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	} else {
		s.logger.Debug("nothing to purge", "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting sweeper", "retention", s.retention, "interval", s.interval)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("purge failed", "error", err, "transient", store.IsTransient(err))
	}
}
