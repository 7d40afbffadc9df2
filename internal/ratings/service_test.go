package ratings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(context.Background(), dir+"/test.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(s, logger), s
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in         string
		wantNorm   string
		wantDomain string
	}{
		{"HTTPS://Example.COM:443/Path?q=1#frag", "https://example.com/Path?q=1", "example.com"},
		{"http://example.com:80/", "http://example.com", "example.com"},
		{"https://example.com/", "https://example.com", "example.com"},
		{"https://example.com/?q=1", "https://example.com/?q=1", "example.com"},
		{"https://sub.example.co.uk/page", "https://sub.example.co.uk/page", "example.co.uk"},
		{"https://example.com:8443/x", "https://example.com:8443/x", "example.com"},
		{" https://example.com/a ", "https://example.com/a", "example.com"},
	}
	for _, tt := range tests {
		norm, domain, err := NormalizeURL(tt.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", tt.in, err)
			continue
		}
		if norm != tt.wantNorm {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, norm, tt.wantNorm)
		}
		if domain != tt.wantDomain {
			t.Errorf("NormalizeURL(%q) domain = %q, want %q", tt.in, domain, tt.wantDomain)
		}
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		"ftp://example.com/file",
		"javascript:alert(1)",
		"example.com/no-scheme",
		"https://",
		"",
	} {
		if _, _, err := NormalizeURL(in); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("NormalizeURL(%q) err = %v, want ErrInvalidURL", in, err)
		}
	}
}

func TestHashURLStable(t *testing.T) {
	a := HashURL("https://example.com/page")
	b := HashURL("https://example.com/page")
	if a != b {
		t.Error("same input should hash identically")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == HashURL("https://example.com/other") {
		t.Error("different URLs should hash differently")
	}
}

func TestSubmitCreatesRating(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	rating, created, err := svc.Submit(ctx, "https://example.com/page", "user-1", 4, Flags{Spam: true}, "looks spammy")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Error("first submission should create a new rating")
	}
	if rating.Stars != 4 || !rating.IsSpam || rating.Comment != "looks spammy" {
		t.Errorf("rating = %+v", rating)
	}

	// The stats stub exists so the aggregator can join domain data.
	stats, err := db.GetURLStats(ctx, rating.URLHash)
	if err != nil {
		t.Fatalf("GetURLStats: %v", err)
	}
	if stats.Domain != "example.com" {
		t.Errorf("stub domain = %q, want example.com", stats.Domain)
	}

	// An uncached domain triggers a high-priority analysis request.
	reqs, err := db.ListAnalysisRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalysisRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Domain != "example.com" || reqs[0].Priority != model.PriorityHigh {
		t.Errorf("analysis requests = %+v", reqs)
	}
}

func TestSubmitDedupWindow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	first, _, err := svc.Submit(ctx, "https://example.com/page", "user-1", 2, Flags{}, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	second, created, err := svc.Submit(ctx, "https://example.com/page", "user-1", 5, Flags{Misleading: true}, "reconsidered")
	if err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if created {
		t.Error("resubmission inside the window should update, not create")
	}
	if second.ID != first.ID {
		t.Errorf("resubmission ID = %s, want %s", second.ID, first.ID)
	}
	if second.Stars != 5 || !second.IsMisleading {
		t.Errorf("updated rating = %+v", second)
	}
	if second.Processed {
		t.Error("updated rating should be reset to unprocessed")
	}

	all, err := db.ListRatingsByURL(ctx, first.URLHash)
	if err != nil {
		t.Fatalf("ListRatingsByURL: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("rating rows = %d, want 1", len(all))
	}

	// A different user rating the same URL gets their own row.
	_, created, err = svc.Submit(ctx, "https://example.com/page", "user-2", 3, Flags{}, "")
	if err != nil {
		t.Fatalf("Submit other user: %v", err)
	}
	if !created {
		t.Error("different user should create a new rating")
	}
}

func TestSubmitOutsideDedupWindowCreatesNewRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Seed an old rating directly so no clock manipulation is needed.
	norm, _, err := NormalizeURL("https://example.com/page")
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	urlHash := HashURL(norm)
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	err = db.CreateRating(ctx, &model.Rating{
		ID: "old-1", URLHash: urlHash, UserID: "user-1", Stars: 2,
		Processed: true, CreatedAt: old, UpdatedAt: old,
	})
	if err != nil {
		t.Fatalf("CreateRating: %v", err)
	}

	_, created, err := svc.Submit(ctx, "https://example.com/page", "user-1", 5, Flags{}, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Error("submission outside the window should create a new row")
	}

	all, err := db.ListRatingsByURL(ctx, urlHash)
	if err != nil {
		t.Fatalf("ListRatingsByURL: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("rating rows = %d, want old row preserved alongside new", len(all))
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, "https://example.com", "u", 0, Flags{}, ""); !errors.Is(err, ErrInvalidStars) {
		t.Errorf("stars 0: err = %v, want ErrInvalidStars", err)
	}
	if _, _, err := svc.Submit(ctx, "https://example.com", "u", 6, Flags{}, ""); !errors.Is(err, ErrInvalidStars) {
		t.Errorf("stars 6: err = %v, want ErrInvalidStars", err)
	}
	if _, _, err := svc.Submit(ctx, "ftp://example.com", "u", 3, Flags{}, ""); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("bad scheme: err = %v, want ErrInvalidURL", err)
	}
}

func TestSubmitSkipsAnalysisWhenCached(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &model.DomainCacheEntry{
		Domain:    "example.com",
		CheckedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	if err := db.UpsertDomainCache(ctx, entry); err != nil {
		t.Fatalf("UpsertDomainCache: %v", err)
	}

	if _, _, err := svc.Submit(ctx, "https://example.com/page", "user-1", 4, Flags{}, ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	reqs, err := db.ListAnalysisRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalysisRequests: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("analysis requests = %+v, want none for a fresh cache entry", reqs)
	}
}
