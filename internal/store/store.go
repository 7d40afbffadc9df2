package store

import (
	"context"
	"time"

	"github.com/trustlens/trustd/internal/model"
)

// Store defines the persistence interface for the trust engine. All
// cross-cutting state lives here; the engines themselves hold no mutable
// process state, so every unit of work is independently triggerable.
type Store interface {
	// Ratings
	CreateRating(ctx context.Context, r *model.Rating) error
	UpdateRating(ctx context.Context, r *model.Rating) error
	GetLatestRating(ctx context.Context, urlHash, userID string) (*model.Rating, error)
	ListRatingsByURL(ctx context.Context, urlHash string) ([]*model.Rating, error)
	ListURLsWithUnprocessedRatings(ctx context.Context) ([]string, error)
	DeleteProcessedRatingsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// URL stats
	UpsertURLStats(ctx context.Context, stats *model.URLStats) error
	UpsertURLStatsStub(ctx context.Context, urlHash, url, domain string) error
	GetURLStats(ctx context.Context, urlHash string) (*model.URLStats, error)

	// AggregateURL runs fn inside one transaction: it reads every rating
	// for the URL plus the current aggregate, upserts the aggregate fn
	// returns, and marks the ratings processed. Concurrent aggregation
	// runs for the same URL therefore never interleave their
	// read-then-write.
	AggregateURL(ctx context.Context, urlHash string, fn func(ratings []*model.Rating, current *model.URLStats) (*model.URLStats, error)) error

	// Domain analysis cache
	UpsertDomainCache(ctx context.Context, entry *model.DomainCacheEntry) error
	GetDomainCache(ctx context.Context, domain string) (*model.DomainCacheEntry, error)
	ListExpiredCachedDomains(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeleteDomainCacheExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Rule tables (read-only inputs to the calculator)
	UpsertBlacklistRule(ctx context.Context, rule *model.BlacklistRule) error
	ListBlacklistRules(ctx context.Context) ([]*model.BlacklistRule, error)
	UpsertContentTypeRule(ctx context.Context, rule *model.ContentTypeRule) error
	ListContentTypeRules(ctx context.Context) ([]*model.ContentTypeRule, error)

	// Analysis request queue (at-least-once refresh triggers)
	EnqueueAnalysis(ctx context.Context, domain string, priority model.AnalysisPriority) error
	ListAnalysisRequests(ctx context.Context, limit int) ([]*model.AnalysisRequest, error)
	DeleteAnalysisRequest(ctx context.Context, domain string) error

	Close() error
}
