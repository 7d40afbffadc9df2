package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trustlens/trustd/internal/model"
	"github.com/trustlens/trustd/internal/ratings"
	"github.com/trustlens/trustd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// urlStatsResponse is the public read shape. TrustScore and
// FinalTrustScore carry the same value; the older clients read the
// former, newer ones the latter.
type urlStatsResponse struct {
	URL             string    `json:"url"`
	Domain          string    `json:"domain"`
	TrustScore      float64   `json:"trust_score"`
	FinalTrustScore float64   `json:"final_trust_score"`
	DomainScore     float64   `json:"domain_trust_score"`
	CommunityScore  float64   `json:"community_trust_score"`
	RatingCount     int       `json:"rating_count"`
	AverageRating   float64   `json:"average_rating"`
	SpamCount       int       `json:"spam_reports_count"`
	MisleadingCount int       `json:"misleading_reports_count"`
	ScamCount       int       `json:"scam_reports_count"`
	ContentType     string    `json:"content_type,omitempty"`
	LastUpdated     time.Time `json:"last_updated,omitzero"`
	Status          string    `json:"processing_status"`
	// DataSource says where the score came from: "url" for a stored
	// aggregate, "domain" for cached domain signals without ratings,
	// "baseline" for the static table fallback.
	DataSource string `json:"data_source"`
	// CacheStatus reports the domain cache state: fresh, stale, or none.
	// Omitted where the domain cache was not consulted.
	CacheStatus string `json:"cache_status,omitempty"`
	// Hosting details from the domain cache, informational.
	ASN     int    `json:"asn,omitempty"`
	ASNName string `json:"asn_name,omitempty"`
	Country string `json:"country,omitempty"`
}

// HandleURLStats serves the trust score for a URL. Aside from a
// malformed URL it never returns an error: missing aggregates degrade
// to cached domain signals, and missing cache degrades to the baseline
// table. A cache miss also enqueues an analysis request so the next
// read is better informed.
func (s *Server) HandleURLStats(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	norm, domain, err := ratings.NormalizeURL(rawURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	entry, cacheErr := s.store.GetDomainCache(ctx, domain)
	if cacheErr != nil && !errors.Is(cacheErr, store.ErrNotFound) {
		s.logger.Warn("reading domain cache", "domain", domain, "error", cacheErr)
		entry = nil
	}
	cacheStatus := "none"
	switch {
	case entry.Valid(now):
		cacheStatus = "fresh"
	case entry != nil:
		cacheStatus = "stale"
	}
	if cacheStatus != "fresh" {
		if err := s.store.EnqueueAnalysis(ctx, domain, model.PriorityNormal); err != nil {
			s.logger.Warn("enqueueing domain analysis", "domain", domain, "error", err)
		}
	}

	stats, err := s.store.GetURLStats(ctx, ratings.HashURL(norm))
	if err == nil && stats.RatingCount > 0 {
		writeJSON(w, http.StatusOK, statsToResponse(stats, "url", cacheStatus, entry))
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("reading url stats", "url", norm, "error", err)
	}

	// No aggregate yet: score from domain signals alone.
	var signals *model.DomainCacheEntry
	source := "baseline"
	if entry.Valid(now) {
		signals = entry
		source = "domain"
	}
	// The synthetic response mirrors the aggregator's status machine:
	// cached signals mean domain analysis is reflected, otherwise only
	// the baseline knowledge of the domain is.
	status := model.StatusBasicDomain
	if signals != nil {
		status = model.StatusEnhanced
	}
	domainScore := s.calc.DomainComponent(domain, signals, nil)
	resp := urlStatsResponse{
		URL:             norm,
		Domain:          domain,
		TrustScore:      domainScore,
		FinalTrustScore: domainScore,
		DomainScore:     domainScore,
		Status:          string(status),
		DataSource:      source,
		CacheStatus:     cacheStatus,
	}
	if signals != nil {
		resp.ASN = signals.ASN
		resp.ASNName = signals.ASNName
		resp.Country = signals.Country
	}
	writeJSON(w, http.StatusOK, resp)
}

func statsToResponse(stats *model.URLStats, source, cacheStatus string, entry *model.DomainCacheEntry) urlStatsResponse {
	resp := urlStatsResponse{
		URL:             stats.URL,
		Domain:          stats.Domain,
		TrustScore:      stats.TrustScore,
		FinalTrustScore: stats.TrustScore,
		DomainScore:     stats.DomainScore,
		CommunityScore:  stats.CommunityScore,
		RatingCount:     stats.RatingCount,
		AverageRating:   stats.AverageRating,
		SpamCount:       stats.SpamCount,
		MisleadingCount: stats.MisleadingCount,
		ScamCount:       stats.ScamCount,
		ContentType:     stats.ContentType,
		LastUpdated:     stats.UpdatedAt,
		Status:          string(stats.Status),
		DataSource:      source,
		CacheStatus:     cacheStatus,
	}
	if entry != nil {
		resp.ASN = entry.ASN
		resp.ASNName = entry.ASNName
		resp.Country = entry.Country
	}
	return resp
}

type submitRatingRequest struct {
	URL          string `json:"url"`
	Score        int    `json:"score"`
	Comment      string `json:"comment"`
	IsSpam       bool   `json:"isSpam"`
	IsMisleading bool   `json:"isMisleading"`
	IsScam       bool   `json:"isScam"`
}

type ratingResponse struct {
	ID        string    `json:"id"`
	URLHash   string    `json:"url_hash"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HandleSubmitRating records an authenticated rating. The aggregate is
// recomputed by the scheduled pass, so the response flags the stats as
// still processing rather than recomputing inline.
func (s *Server) HandleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var req submitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal := PrincipalFromContext(r.Context())
	flags := ratings.Flags{Spam: req.IsSpam, Misleading: req.IsMisleading, Scam: req.IsScam}
	rating, created, err := s.ratings.Submit(r.Context(), req.URL, principal, req.Score, flags, req.Comment)
	if err != nil {
		if errors.Is(err, ratings.ErrInvalidURL) || errors.Is(err, ratings.ErrInvalidStars) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submitting rating", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to record rating")
		return
	}

	message := "rating updated"
	status := http.StatusOK
	if created {
		message = "rating recorded"
		status = http.StatusCreated
	}

	// The aggregate may still be the pre-aggregation stub here; the
	// processing flag tells the caller a recompute is pending.
	var urlStats *urlStatsResponse
	if stats, err := s.store.GetURLStats(r.Context(), rating.URLHash); err == nil {
		resp := statsToResponse(stats, "url", "", nil)
		urlStats = &resp
	}

	writeJSON(w, status, map[string]any{
		"message": message,
		"rating": ratingResponse{
			ID:        rating.ID,
			URLHash:   rating.URLHash,
			Stars:     rating.Stars,
			Comment:   rating.Comment,
			CreatedAt: rating.CreatedAt,
			UpdatedAt: rating.UpdatedAt,
		},
		"urlStats":   urlStats,
		"processing": true,
	})
}

// HandleRunJob triggers one scheduled pass by name. The handlers run
// the job synchronously; the passes are idempotent, so an impatient
// retry is harmless.
func (s *Server) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	var job func(ctx context.Context)
	name := chi.URLParam(r, "job")
	switch name {
	case "aggregate":
		job = s.jobs.Aggregate
	case "sweep":
		job = s.jobs.Sweep
	case "analyze":
		job = s.jobs.Analyze
	default:
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if job == nil {
		writeError(w, http.StatusServiceUnavailable, "job not configured")
		return
	}
	job(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "job complete", "job": name})
}
