package analyzer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/store"
)

// Concurrency windows for batch analysis. High priority widens the
// window for domains a user is actively waiting on.
const (
	DefaultWidth      = 3
	HighPriorityWidth = 5
)

// Batch drains the analysis request queue and refreshes expired cache
// entries on a schedule, running the Analyzer under a bounded window.
type Batch struct {
	store    store.Store
	analyzer *Analyzer

	width     int
	highWidth int
	// wavePause is the delay each worker inserts after a domain, keeping
	// sustained external call volume inside third-party rate limits.
	wavePause    time.Duration
	tickInterval time.Duration
	batchSize    int
	logger       *slog.Logger
}

// NewBatch creates a batch analyzer over the given store and Analyzer.
func NewBatch(s store.Store, a *Analyzer, logger *slog.Logger) *Batch {
	return &Batch{
		store:        s,
		analyzer:     a,
		width:        DefaultWidth,
		highWidth:    HighPriorityWidth,
		wavePause:    2 * time.Second,
		tickInterval: time.Minute,
		batchSize:    50,
		logger:       logger,
	}
}

// SetTickInterval overrides the default tick interval (for testing).
func (b *Batch) SetTickInterval(d time.Duration) {
	b.tickInterval = d
}

// SetWavePause overrides the inter-wave pause (for testing).
func (b *Batch) SetWavePause(d time.Duration) {
	b.wavePause = d
}

// Run starts a ticker loop that drains the request queue and refreshes
// expired cache entries each tick. It blocks until ctx is cancelled.
func (b *Batch) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	b.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("batch analyzer shutting down")
			return ctx.Err()
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scheduled pass: queued requests first (high
// priority ahead of normal), then expired entries still referenced by
// url_stats. Safe to invoke manually; a pass with nothing to do is a
// no-op.
func (b *Batch) RunOnce(ctx context.Context) {
	reqs, err := b.store.ListAnalysisRequests(ctx, b.batchSize)
	if err != nil {
		b.logger.Error("listing analysis requests", "error", err)
		return
	}

	var high, normal []string
	for _, r := range reqs {
		if r.Priority == model.PriorityHigh {
			high = append(high, r.Domain)
		} else {
			normal = append(normal, r.Domain)
		}
	}

	refreshed := 0
	refreshed += b.Refresh(ctx, high, model.PriorityHigh)
	refreshed += b.Refresh(ctx, normal, model.PriorityNormal)

	expired, err := b.store.ListExpiredCachedDomains(ctx, time.Now().UTC(), b.batchSize)
	if err != nil {
		b.logger.Error("listing expired cache entries", "error", err)
	} else {
		refreshed += b.Refresh(ctx, expired, model.PriorityNormal)
	}

	if refreshed > 0 {
		b.logger.Info("batch analysis pass complete",
			"queued", len(reqs),
			"expired", len(expired),
			"refreshed", refreshed,
		)
	}
}

// Refresh analyzes the given domains under the bounded window and writes
// results into the cache. Domains with a still-valid entry are skipped
// unless priority is high. One domain's failure never aborts the batch;
// it returns how many domains were successfully refreshed.
func (b *Batch) Refresh(ctx context.Context, domains []string, priority model.AnalysisPriority) int {
	width := b.width
	if priority == model.PriorityHigh {
		width = b.highWidth
	}

	now := time.Now().UTC()
	var todo []string
	for _, d := range domains {
		if priority != model.PriorityHigh {
			entry, err := b.store.GetDomainCache(ctx, d)
			if err == nil && entry.Valid(now) {
				// Still fresh; acknowledge any stale queue entry.
				if err := b.store.DeleteAnalysisRequest(ctx, d); err != nil {
					b.logger.Warn("acknowledging analysis request", "domain", d, "error", err)
				}
				continue
			}
		}
		todo = append(todo, d)
	}
	if len(todo) == 0 {
		return 0
	}

	refreshed := make(chan string, len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for _, d := range todo {
		d := d
		g.Go(func() error {
			entry := b.analyzer.Analyze(gctx, d)
			if err := b.store.UpsertDomainCache(gctx, entry); err != nil {
				// The prior cache entry (or absence) stays in place and
				// the queue entry survives for the next pass.
				b.logger.Error("writing domain cache", "domain", d, "error", err)
				return nil
			}
			if err := b.store.DeleteAnalysisRequest(gctx, d); err != nil {
				b.logger.Warn("acknowledging analysis request", "domain", d, "error", err)
			}
			refreshed <- d

			select {
			case <-gctx.Done():
			case <-time.After(b.wavePause):
			}
			return nil
		})
	}
	_ = g.Wait()
	close(refreshed)

	count := 0
	for range refreshed {
		count++
	}
	return count
}
