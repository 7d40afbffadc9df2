package model

import "time"

// ThreatVerdict is a threat-list provider's classification of a domain.
type ThreatVerdict string

const (
	VerdictSafe       ThreatVerdict = "safe"
	VerdictSuspicious ThreatVerdict = "suspicious"
	VerdictMalicious  ThreatVerdict = "malicious"
	VerdictPhishing   ThreatVerdict = "phishing"
	VerdictUnwanted   ThreatVerdict = "unwanted"
	VerdictMalware    ThreatVerdict = "malware"
	VerdictUnknown    ThreatVerdict = "unknown"
)

// ProcessingStatus describes how much domain enrichment a URL aggregate
// reflects. Transitions only move forward, except that an aggregate may
// regress from enhanced to basic when its domain cache entry lapses.
type ProcessingStatus string

const (
	StatusCommunityOnly ProcessingStatus = "community_only"
	StatusBasicDomain   ProcessingStatus = "community_with_basic_domain"
	StatusEnhanced      ProcessingStatus = "enhanced_with_domain_analysis"
)

// Rank orders processing statuses for the forward-only transition check.
func (p ProcessingStatus) Rank() int {
	switch p {
	case StatusBasicDomain:
		return 1
	case StatusEnhanced:
		return 2
	default:
		return 0
	}
}

// AnalysisPriority controls how eagerly a domain analysis request is handled.
type AnalysisPriority string

const (
	PriorityNormal AnalysisPriority = "normal"
	PriorityHigh   AnalysisPriority = "high"
)

// Rating is one user's assessment of one URL. At most one rating per
// (url_hash, user_id) pair is updated in place inside the dedup window;
// older history persists until the retention sweeper removes it.
type Rating struct {
	ID           string
	URLHash      string
	UserID       string
	Stars        int // 1-5
	IsSpam       bool
	IsMisleading bool
	IsScam       bool
	Comment      string
	Processed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DomainCacheEntry is the cached external-signal snapshot for a domain.
// An entry is valid while now < ExpiresAt; reads never block on network
// I/O, absence or expiry only triggers an async refresh request.
type DomainCacheEntry struct {
	Domain     string
	AgeDays    *int // nil when no registration data was available
	HTTPStatus int  // 0 means unreachable
	TLSValid   bool
	// Verdicts maps provider name to its verdict. Stored as JSON.
	Verdicts map[string]ThreatVerdict
	// ThreatScore is the mean of available providers' verdict scores,
	// 0-100. Nil means no provider returned data (not "safe").
	ThreatScore *float64
	// Hosting details from the Team Cymru lookup, informational.
	ASN       int
	ASNName   string
	Country   string
	CheckedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the entry is still within its TTL at the given
// instant. Callers compare against a single timestamp, not a polled clock.
func (e *DomainCacheEntry) Valid(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// URLStats is the durable per-URL aggregate surfaced to callers. It is
// never decremented by the retention sweeper; RatingCount reflects every
// rating ever received for the URL.
type URLStats struct {
	URLHash         string
	URL             string
	Domain          string
	ContentType     string // empty when not inferred
	TrustScore      float64
	DomainScore     float64
	CommunityScore  float64
	RatingCount     int
	AverageRating   float64
	SpamCount       int
	MisleadingCount int
	ScamCount       int
	// Swept* carry the contribution of rating rows already deleted by
	// the retention sweeper. The aggregator folds them in as its
	// baseline, so counts and averages cover full history even after
	// the raw rows are gone.
	SweptCount           int
	SweptStarSum         int
	SweptSpamCount       int
	SweptMisleadingCount int
	SweptScamCount       int
	Status               ProcessingStatus
	UpdatedAt            time.Time
}

// BlacklistRule maps a domain pattern to a penalty severity. Rules are
// read-only inputs to the calculator, maintained administratively.
type BlacklistRule struct {
	ID        string
	Pattern   string // exact domain or ".suffix" match
	Severity  int    // 1-10, penalty is severity*5 capped at 50
	Reason    string
	CreatedAt time.Time
}

// ContentTypeRule maps a domain/URL pattern to a content type, an additive
// trust modifier, and an optional minimum-ratings confidence override.
type ContentTypeRule struct {
	ID          string
	Pattern     string
	ContentType string
	Modifier    float64
	MinRatings  int // 0 means use the calculator default
	CreatedAt   time.Time
}

// AnalysisRequest is a durable one-way task asking the batch analyzer to
// (re)analyze a domain. Requests are enqueued best-effort on rating
// submission and drained on the analyzer's schedule, giving the
// fire-and-forget trigger at-least-once delivery.
type AnalysisRequest struct {
	Domain     string
	Priority   AnalysisPriority
	EnqueuedAt time.Time
}
