// Package aggregate implements the scheduled job that folds unprocessed
// ratings into per-URL statistics using the trust score calculator.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/score"
	"github.com/trustlens/trustd/internal/store"
)

// DefaultTickInterval is how often the aggregation pass runs.
const DefaultTickInterval = 5 * time.Minute

// Engine walks URLs with unprocessed ratings, recomputes their aggregate
// from full rating history plus the current domain cache, and marks the
// ratings processed. Each URL is one transactional unit; one URL's
// failure never halts the rest of the pass.
type Engine struct {
	store        store.Store
	calc         *score.Calculator
	tickInterval time.Duration
	logger       *slog.Logger
}

// NewEngine creates an aggregation engine.
func NewEngine(s store.Store, calc *score.Calculator, logger *slog.Logger) *Engine {
	return &Engine{
		store:        s,
		calc:         calc,
		tickInterval: DefaultTickInterval,
		logger:       logger,
	}
}

// SetTickInterval overrides the default tick interval (for testing).
func (e *Engine) SetTickInterval(d time.Duration) {
	e.tickInterval = d
}

// Run starts a ticker loop that calls RunOnce on each tick. It blocks
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	// Run once immediately on start.
	e.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("aggregation engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs one aggregation pass. It is idempotent: a pass with
// no new ratings recomputes nothing and a repeated pass over the same
// ratings produces identical aggregates.
func (e *Engine) RunOnce(ctx context.Context) {
	urls, err := e.store.ListURLsWithUnprocessedRatings(ctx)
	if err != nil {
		e.logger.Error("listing urls with unprocessed ratings", "error", err)
		return
	}
	if len(urls) == 0 {
		return
	}

	blacklist, err := e.store.ListBlacklistRules(ctx)
	if err != nil {
		e.logger.Error("listing blacklist rules", "error", err)
		return
	}
	contentRules, err := e.store.ListContentTypeRules(ctx)
	if err != nil {
		e.logger.Error("listing content type rules", "error", err)
		return
	}

	processed := 0
	for _, urlHash := range urls {
		if err := e.aggregateURL(ctx, urlHash, blacklist, contentRules); err != nil {
			e.logger.Error("aggregating url", "url_hash", urlHash, "error", err)
			continue
		}
		processed++
	}

	e.logger.Info("aggregation pass complete",
		"urls_pending", len(urls),
		"urls_processed", processed,
	)
}

// aggregateURL recomputes one URL's aggregate inside a store transaction.
func (e *Engine) aggregateURL(ctx context.Context, urlHash string, blacklist []*model.BlacklistRule, contentRules []*model.ContentTypeRule) error {
	now := time.Now().UTC()

	return e.store.AggregateURL(ctx, urlHash, func(ratings []*model.Rating, current *model.URLStats) (*model.URLStats, error) {
		if len(ratings) == 0 {
			// Another run already swept this URL; nothing to write.
			return nil, nil
		}
		if current == nil {
			// The submission stub is the critical-path write, so this
			// only happens if it failed; retry next pass once it exists.
			return nil, fmt.Errorf("no stats stub for url")
		}

		// Surviving rows are recomputed in full; rows the retention
		// sweeper already deleted contribute through the swept baseline,
		// so the aggregate covers every rating ever received.
		starSum := current.SweptStarSum
		spam := current.SweptSpamCount
		misleading := current.SweptMisleadingCount
		scam := current.SweptScamCount
		for _, r := range ratings {
			starSum += r.Stars
			if r.IsSpam {
				spam++
			}
			if r.IsMisleading {
				misleading++
			}
			if r.IsScam {
				scam++
			}
		}
		count := current.SweptCount + len(ratings)
		avg := float64(starSum) / float64(count)

		signals := e.validSignals(ctx, current.Domain, now)
		blRule := score.MatchBlacklist(blacklist, current.Domain)
		ctRule := score.MatchContentType(contentRules, current.Domain, current.URL)

		breakdown := e.calc.Compute(score.Input{
			Domain:          current.Domain,
			Signals:         signals,
			RatingCount:     count,
			AverageRating:   avg,
			SpamCount:       spam,
			MisleadingCount: misleading,
			ScamCount:       scam,
			ContentRule:     ctRule,
			Blacklist:       blRule,
		})

		updated := *current
		updated.TrustScore = breakdown.TrustScore
		updated.DomainScore = breakdown.DomainScore
		updated.CommunityScore = breakdown.CommunityScore
		updated.RatingCount = count
		updated.AverageRating = avg
		updated.SpamCount = spam
		updated.MisleadingCount = misleading
		updated.ScamCount = scam
		if ctRule != nil {
			updated.ContentType = ctRule.ContentType
		}
		updated.Status = nextStatus(current.Status, current.Domain, signals != nil)
		updated.UpdatedAt = now
		return &updated, nil
	})
}

// validSignals returns the domain cache entry when it is valid at the
// reference instant. The expiry comparison happens once; a concurrently
// expiring entry is simply treated as valid-at-read-time.
func (e *Engine) validSignals(ctx context.Context, domain string, now time.Time) *model.DomainCacheEntry {
	entry, err := e.store.GetDomainCache(ctx, domain)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("reading domain cache", "domain", domain, "error", err)
		}
		return nil
	}
	if !entry.Valid(now) {
		return nil
	}
	return entry
}

// nextStatus enforces the forward-only status machine. The one legal
// regression is enhanced back to basic when the cache entry has lapsed
// without being refreshed yet.
func nextStatus(current model.ProcessingStatus, domain string, analyzed bool) model.ProcessingStatus {
	next := model.StatusCommunityOnly
	if analyzed {
		next = model.StatusEnhanced
	} else if domain != "" {
		next = model.StatusBasicDomain
	}

	if next.Rank() < current.Rank() {
		if current == model.StatusEnhanced && next == model.StatusBasicDomain {
			return next
		}
		return current
	}
	return next
}
