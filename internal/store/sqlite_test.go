package store

import (
	"context"
	"testing"
	"time"

	"github.com/trustlens/trustd/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(context.Background(), dir+"/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRating(id, urlHash, userID string, stars int, createdAt time.Time) *model.Rating {
	return &model.Rating{
		ID:        id,
		URLHash:   urlHash,
		UserID:    userID,
		Stars:     stars,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateAndGetLatestRating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateRating(ctx, makeRating("r1", "h1", "u1", 3, now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}
	if err := s.CreateRating(ctx, makeRating("r2", "h1", "u1", 5, now)); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}

	got, err := s.GetLatestRating(ctx, "h1", "u1")
	if err != nil {
		t.Fatalf("GetLatestRating: %v", err)
	}
	if got.ID != "r2" || got.Stars != 5 {
		t.Errorf("latest rating = %s stars %d, want r2 stars 5", got.ID, got.Stars)
	}

	if _, err := s.GetLatestRating(ctx, "h1", "nobody"); err != ErrNotFound {
		t.Errorf("unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r := makeRating("r1", "h1", "u1", 2, now)
	if err := s.CreateRating(ctx, r); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}

	r.Stars = 4
	r.IsScam = true
	r.Comment = "changed my mind"
	if err := s.UpdateRating(ctx, r); err != nil {
		t.Fatalf("UpdateRating: %v", err)
	}

	got, err := s.GetLatestRating(ctx, "h1", "u1")
	if err != nil {
		t.Fatalf("GetLatestRating: %v", err)
	}
	if got.Stars != 4 || !got.IsScam || got.Comment != "changed my mind" {
		t.Errorf("updated rating = %+v", got)
	}
}

func TestDeleteProcessedRatingsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-10 * 24 * time.Hour)

	oldProcessed := makeRating("r1", "h1", "u1", 3, old)
	oldProcessed.Processed = true
	oldUnprocessed := makeRating("r2", "h1", "u2", 3, old)
	recentProcessed := makeRating("r3", "h1", "u3", 3, now)
	recentProcessed.Processed = true

	for _, r := range []*model.Rating{oldProcessed, oldUnprocessed, recentProcessed} {
		if err := s.CreateRating(ctx, r); err != nil {
			t.Fatalf("CreateRating %s: %v", r.ID, err)
		}
	}

	deleted, err := s.DeleteProcessedRatingsBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteProcessedRatingsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	remaining, err := s.ListRatingsByURL(ctx, "h1")
	if err != nil {
		t.Fatalf("ListRatingsByURL: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range remaining {
		ids[r.ID] = true
	}
	if ids["r1"] || !ids["r2"] || !ids["r3"] {
		t.Errorf("remaining ratings = %v, want r2 and r3 only", ids)
	}
}

func TestDeleteProcessedRatingsFoldsSweptBaseline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-10 * 24 * time.Hour)

	if err := s.UpsertURLStatsStub(ctx, "h1", "https://example.com", "example.com"); err != nil {
		t.Fatalf("UpsertURLStatsStub: %v", err)
	}
	r1 := makeRating("r1", "h1", "u1", 5, old)
	r1.Processed = true
	r2 := makeRating("r2", "h1", "u2", 3, old)
	r2.Processed = true
	r2.IsSpam = true
	r2.IsScam = true
	for _, r := range []*model.Rating{r1, r2} {
		if err := s.CreateRating(ctx, r); err != nil {
			t.Fatalf("CreateRating %s: %v", r.ID, err)
		}
	}

	if _, err := s.DeleteProcessedRatingsBefore(ctx, now.Add(-7*24*time.Hour)); err != nil {
		t.Fatalf("DeleteProcessedRatingsBefore: %v", err)
	}

	stats, err := s.GetURLStats(ctx, "h1")
	if err != nil {
		t.Fatalf("GetURLStats: %v", err)
	}
	if stats.SweptCount != 2 || stats.SweptStarSum != 8 {
		t.Errorf("swept count/stars = %d/%d, want 2/8", stats.SweptCount, stats.SweptStarSum)
	}
	if stats.SweptSpamCount != 1 || stats.SweptMisleadingCount != 0 || stats.SweptScamCount != 1 {
		t.Errorf("swept flags = %d/%d/%d, want 1/0/1",
			stats.SweptSpamCount, stats.SweptMisleadingCount, stats.SweptScamCount)
	}

	// A second sweep with nothing left to delete changes nothing.
	if _, err := s.DeleteProcessedRatingsBefore(ctx, now.Add(-7*24*time.Hour)); err != nil {
		t.Fatalf("DeleteProcessedRatingsBefore repeat: %v", err)
	}
	again, err := s.GetURLStats(ctx, "h1")
	if err != nil {
		t.Fatalf("GetURLStats: %v", err)
	}
	if again.SweptCount != 2 || again.SweptStarSum != 8 {
		t.Errorf("repeat sweep changed baseline: %+v", again)
	}
}

func TestAggregateURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.UpsertURLStatsStub(ctx, "h1", "https://example.com", "example.com"); err != nil {
		t.Fatalf("UpsertURLStatsStub: %v", err)
	}
	if err := s.CreateRating(ctx, makeRating("r1", "h1", "u1", 5, now)); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}
	if err := s.CreateRating(ctx, makeRating("r2", "h1", "u2", 3, now)); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}

	err := s.AggregateURL(ctx, "h1", func(ratings []*model.Rating, current *model.URLStats) (*model.URLStats, error) {
		if len(ratings) != 2 {
			t.Errorf("fn saw %d ratings, want 2", len(ratings))
		}
		if current == nil {
			t.Fatal("fn saw nil current stats despite stub")
		}
		updated := *current
		updated.RatingCount = len(ratings)
		updated.AverageRating = 4.0
		updated.TrustScore = 70
		updated.Status = model.StatusBasicDomain
		updated.UpdatedAt = now
		return &updated, nil
	})
	if err != nil {
		t.Fatalf("AggregateURL: %v", err)
	}

	stats, err := s.GetURLStats(ctx, "h1")
	if err != nil {
		t.Fatalf("GetURLStats: %v", err)
	}
	if stats.RatingCount != 2 || stats.TrustScore != 70 || stats.Status != model.StatusBasicDomain {
		t.Errorf("stats = %+v", stats)
	}

	pending, err := s.ListURLsWithUnprocessedRatings(ctx)
	if err != nil {
		t.Fatalf("ListURLsWithUnprocessedRatings: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after aggregation = %v, want none", pending)
	}
}

func TestAggregateURLNilResultWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateRating(ctx, makeRating("r1", "h1", "u1", 5, now)); err != nil {
		t.Fatalf("CreateRating: %v", err)
	}

	err := s.AggregateURL(ctx, "h1", func([]*model.Rating, *model.URLStats) (*model.URLStats, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("AggregateURL: %v", err)
	}

	// Aborting leaves the rating unprocessed for the next pass.
	pending, err := s.ListURLsWithUnprocessedRatings(ctx)
	if err != nil {
		t.Fatalf("ListURLsWithUnprocessedRatings: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %v, want the url still listed", pending)
	}
}

func TestUpsertURLStatsStubDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	full := &model.URLStats{
		URLHash:     "h1",
		URL:         "https://example.com",
		Domain:      "example.com",
		TrustScore:  82,
		RatingCount: 4,
		Status:      model.StatusEnhanced,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.UpsertURLStats(ctx, full); err != nil {
		t.Fatalf("UpsertURLStats: %v", err)
	}
	if err := s.UpsertURLStatsStub(ctx, "h1", "https://example.com", "example.com"); err != nil {
		t.Fatalf("UpsertURLStatsStub: %v", err)
	}

	got, err := s.GetURLStats(ctx, "h1")
	if err != nil {
		t.Fatalf("GetURLStats: %v", err)
	}
	if got.TrustScore != 82 || got.Status != model.StatusEnhanced {
		t.Errorf("stub overwrote aggregate: %+v", got)
	}
}

func TestDomainCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	age := 730
	threat := 12.5
	entry := &model.DomainCacheEntry{
		Domain:      "example.com",
		AgeDays:     &age,
		HTTPStatus:  200,
		TLSValid:    true,
		Verdicts:    map[string]model.ThreatVerdict{"heuristic": model.VerdictSafe},
		ThreatScore: &threat,
		ASN:         13335,
		ASNName:     "CLOUDFLARENET",
		Country:     "US",
		CheckedAt:   now,
		ExpiresAt:   now.Add(7 * 24 * time.Hour),
	}
	if err := s.UpsertDomainCache(ctx, entry); err != nil {
		t.Fatalf("UpsertDomainCache: %v", err)
	}

	got, err := s.GetDomainCache(ctx, "example.com")
	if err != nil {
		t.Fatalf("GetDomainCache: %v", err)
	}
	if got.AgeDays == nil || *got.AgeDays != 730 {
		t.Errorf("AgeDays = %v, want 730", got.AgeDays)
	}
	if got.ThreatScore == nil || *got.ThreatScore != 12.5 {
		t.Errorf("ThreatScore = %v, want 12.5", got.ThreatScore)
	}
	if got.Verdicts["heuristic"] != model.VerdictSafe {
		t.Errorf("Verdicts = %v", got.Verdicts)
	}
	if !got.Valid(now) {
		t.Error("entry should be valid before expiry")
	}
	if got.Valid(now.Add(8 * 24 * time.Hour)) {
		t.Error("entry should be invalid after expiry")
	}

	if _, err := s.GetDomainCache(ctx, "missing.org"); err != ErrNotFound {
		t.Errorf("missing domain: err = %v, want ErrNotFound", err)
	}
}

func TestListExpiredCachedDomains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	expired := &model.DomainCacheEntry{Domain: "stale.com", CheckedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)}
	fresh := &model.DomainCacheEntry{Domain: "fresh.com", CheckedAt: now, ExpiresAt: now.Add(24 * time.Hour)}
	orphan := &model.DomainCacheEntry{Domain: "orphan.com", CheckedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)}
	for _, e := range []*model.DomainCacheEntry{expired, fresh, orphan} {
		if err := s.UpsertDomainCache(ctx, e); err != nil {
			t.Fatalf("UpsertDomainCache %s: %v", e.Domain, err)
		}
	}
	// Only stale.com and fresh.com are referenced by stats rows.
	if err := s.UpsertURLStatsStub(ctx, "h1", "https://stale.com", "stale.com"); err != nil {
		t.Fatalf("UpsertURLStatsStub: %v", err)
	}
	if err := s.UpsertURLStatsStub(ctx, "h2", "https://fresh.com", "fresh.com"); err != nil {
		t.Fatalf("UpsertURLStatsStub: %v", err)
	}

	domains, err := s.ListExpiredCachedDomains(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredCachedDomains: %v", err)
	}
	if len(domains) != 1 || domains[0] != "stale.com" {
		t.Errorf("expired domains = %v, want [stale.com]", domains)
	}

	purged, err := s.DeleteDomainCacheExpiredBefore(ctx, now.Add(-12*time.Hour))
	if err != nil {
		t.Fatalf("DeleteDomainCacheExpiredBefore: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
}

func TestAnalysisQueuePriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueAnalysis(ctx, "a.com", model.PriorityNormal); err != nil {
		t.Fatalf("EnqueueAnalysis: %v", err)
	}
	if err := s.EnqueueAnalysis(ctx, "b.com", model.PriorityNormal); err != nil {
		t.Fatalf("EnqueueAnalysis: %v", err)
	}
	// Re-enqueueing upgrades priority without duplicating the row.
	if err := s.EnqueueAnalysis(ctx, "b.com", model.PriorityHigh); err != nil {
		t.Fatalf("EnqueueAnalysis upgrade: %v", err)
	}
	// A later normal request never downgrades.
	if err := s.EnqueueAnalysis(ctx, "b.com", model.PriorityNormal); err != nil {
		t.Fatalf("EnqueueAnalysis after upgrade: %v", err)
	}

	reqs, err := s.ListAnalysisRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalysisRequests: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("queue length = %d, want 2", len(reqs))
	}
	if reqs[0].Domain != "b.com" || reqs[0].Priority != model.PriorityHigh {
		t.Errorf("first request = %+v, want high-priority b.com", reqs[0])
	}

	if err := s.DeleteAnalysisRequest(ctx, "b.com"); err != nil {
		t.Fatalf("DeleteAnalysisRequest: %v", err)
	}
	reqs, err = s.ListAnalysisRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalysisRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Domain != "a.com" {
		t.Errorf("queue after delete = %+v", reqs)
	}
}

func TestBlacklistAndContentTypeRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	bl := &model.BlacklistRule{ID: "b1", Pattern: "bad.example", Severity: 6, Reason: "phish kit", CreatedAt: now}
	if err := s.UpsertBlacklistRule(ctx, bl); err != nil {
		t.Fatalf("UpsertBlacklistRule: %v", err)
	}
	// Same pattern with a new severity updates in place.
	bl2 := &model.BlacklistRule{ID: "b2", Pattern: "bad.example", Severity: 9, CreatedAt: now}
	if err := s.UpsertBlacklistRule(ctx, bl2); err != nil {
		t.Fatalf("UpsertBlacklistRule update: %v", err)
	}

	rules, err := s.ListBlacklistRules(ctx)
	if err != nil {
		t.Fatalf("ListBlacklistRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Severity != 9 {
		t.Errorf("blacklist rules = %+v", rules)
	}

	ct := &model.ContentTypeRule{ID: "c1", Pattern: "example.com", ContentType: "reference", Modifier: 5, MinRatings: 2, CreatedAt: now}
	if err := s.UpsertContentTypeRule(ctx, ct); err != nil {
		t.Fatalf("UpsertContentTypeRule: %v", err)
	}
	cts, err := s.ListContentTypeRules(ctx)
	if err != nil {
		t.Fatalf("ListContentTypeRules: %v", err)
	}
	if len(cts) != 1 || cts[0].ContentType != "reference" || cts[0].MinRatings != 2 {
		t.Errorf("content type rules = %+v", cts)
	}
}
