// Package ratings implements rating submission: validation, URL
// normalization and hashing, the 24-hour dedup window, and the
// best-effort side effects that prime the scoring pipeline.
package ratings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/store"
)

// DedupWindow is the period during which a repeat submission from the
// same user for the same URL updates the existing rating instead of
// creating a new row.
const DedupWindow = 24 * time.Hour

// ErrInvalidURL is returned for URLs that cannot be rated.
var ErrInvalidURL = errors.New("invalid url")

// ErrInvalidStars is returned when the star value is outside 1-5.
var ErrInvalidStars = errors.New("star value must be between 1 and 5")

// Flags are the independent report flags attached to a rating.
type Flags struct {
	Spam       bool
	Misleading bool
	Scam       bool
}

// Service handles rating submissions.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a rating submission service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Submit records a rating for a URL. Within the dedup window the user's
// existing rating is overwritten in place and reset to unprocessed;
// otherwise a new row is created and any older rating stays for the
// retention sweeper. The returned bool is true when a new row was
// created.
//
// Submission never blocks on domain analysis: the stub upsert and the
// analysis enqueue are best-effort side work, logged and retried by the
// scheduled passes when they fail. Only the rating write itself is
// atomic with the submission.
func (s *Service) Submit(ctx context.Context, rawURL, userID string, stars int, flags Flags, comment string) (*model.Rating, bool, error) {
	if stars < 1 || stars > 5 {
		return nil, false, ErrInvalidStars
	}
	norm, domain, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, false, err
	}
	urlHash := HashURL(norm)
	now := time.Now().UTC()

	rating, created, err := s.writeRating(ctx, urlHash, userID, stars, flags, comment, now)
	if err != nil {
		return nil, false, err
	}

	// Side effects: stub so the aggregator can join domain data, and an
	// analysis request when the domain has no valid cache entry.
	if err := s.store.UpsertURLStatsStub(ctx, urlHash, norm, domain); err != nil {
		s.logger.Warn("upserting url stats stub", "url_hash", urlHash, "error", err)
	}
	s.requestAnalysisIfUncached(ctx, domain, now)

	return rating, created, nil
}

func (s *Service) writeRating(ctx context.Context, urlHash, userID string, stars int, flags Flags, comment string, now time.Time) (*model.Rating, bool, error) {
	prev, err := s.store.GetLatestRating(ctx, urlHash, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up prior rating: %w", err)
	}

	if prev != nil && now.Sub(prev.CreatedAt) < DedupWindow {
		prev.Stars = stars
		prev.IsSpam = flags.Spam
		prev.IsMisleading = flags.Misleading
		prev.IsScam = flags.Scam
		prev.Comment = comment
		prev.Processed = false
		prev.UpdatedAt = now
		if err := s.store.UpdateRating(ctx, prev); err != nil {
			return nil, false, fmt.Errorf("updating rating: %w", err)
		}
		return prev, false, nil
	}

	rating := &model.Rating{
		ID:           uuid.New().String(),
		URLHash:      urlHash,
		UserID:       userID,
		Stars:        stars,
		IsSpam:       flags.Spam,
		IsMisleading: flags.Misleading,
		IsScam:       flags.Scam,
		Comment:      comment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRating(ctx, rating); err != nil {
		return nil, false, fmt.Errorf("creating rating: %w", err)
	}
	return rating, true, nil
}

func (s *Service) requestAnalysisIfUncached(ctx context.Context, domain string, now time.Time) {
	entry, err := s.store.GetDomainCache(ctx, domain)
	if err == nil && entry.Valid(now) {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("reading domain cache", "domain", domain, "error", err)
	}
	if err := s.store.EnqueueAnalysis(ctx, domain, model.PriorityHigh); err != nil {
		s.logger.Warn("enqueueing domain analysis", "domain", domain, "error", err)
	}
}

// NormalizeURL canonicalizes a URL for hashing and returns it together
// with the registrable domain (eTLD+1, falling back to the raw host).
func NormalizeURL(rawURL string) (normalized, domain string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = host
	if port != "" {
		u.Host = host + ":" + port
	}
	u.Fragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registrable = host
	}
	return u.String(), registrable, nil
}

// HashURL returns the stable identifier for a normalized URL.
func HashURL(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
