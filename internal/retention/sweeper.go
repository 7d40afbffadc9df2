// Package retention implements the scheduled cleanup of processed
// ratings and expired cache entries. Aggregates are the permanent
// record; the store folds deleted rows into their aggregate's swept
// baseline, so a sweep never shrinks counts.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for the sweep schedule and windows.
const (
	DefaultTickInterval = 24 * time.Hour
	DefaultWindow       = 7 * 24 * time.Hour
	// cacheGrace keeps expired cache rows around briefly so a refresh
	// pass can still see what expired before the purge runs.
	cacheGrace = 24 * time.Hour
)

// Store is the subset of persistence the sweeper needs.
type Store interface {
	DeleteProcessedRatingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteDomainCacheExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes processed ratings past the retention window and purges
// long-expired domain cache entries.
type Sweeper struct {
	store        Store
	window       time.Duration
	tickInterval time.Duration
	logger       *slog.Logger
}

// NewSweeper creates a retention sweeper with the given window.
func NewSweeper(s Store, window time.Duration, logger *slog.Logger) *Sweeper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sweeper{
		store:        s,
		window:       window,
		tickInterval: DefaultTickInterval,
		logger:       logger,
	}
}

// SetTickInterval overrides the default tick interval (for testing).
func (s *Sweeper) SetTickInterval(d time.Duration) {
	s.tickInterval = d
}

// Run starts a ticker loop that calls RunOnce on each tick. It blocks
// until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. Unprocessed ratings are never deleted
// regardless of age, so a partially failed aggregation pass loses
// nothing. Safe to invoke manually.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	deleted, err := s.store.DeleteProcessedRatingsBefore(ctx, now.Add(-s.window))
	if err != nil {
		s.logger.Error("sweeping processed ratings", "error", err)
	}

	purged, err := s.store.DeleteDomainCacheExpiredBefore(ctx, now.Add(-cacheGrace))
	if err != nil {
		s.logger.Error("purging expired domain cache", "error", err)
	}

	s.logger.Info("retention sweep complete",
		"ratings_deleted", deleted,
		"cache_entries_purged", purged,
	)
}
