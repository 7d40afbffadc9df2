// Package score implements the pure trust-score calculation: domain
// signals times community ratings times content-type modifiers, with all
// constants supplied by an externally loadable Config.
package score

import (
	"strings"

	"github.com/trustlens/trustd/internal/model"
)

// Calculator combines domain signals, community ratings, content-type
// rules, and blacklist matches into a final 0-100 trust score. It is a
// pure function of its inputs; the same Input always yields the same
// Breakdown.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator with the given scoring constants.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Input is everything the calculator needs for one URL.
type Input struct {
	Domain string
	// Signals is the valid cache entry for the domain, nil when no
	// analysis is available. Absence degrades to the baseline table
	// value, it is not treated as zero.
	Signals *model.DomainCacheEntry

	// Community aggregates over ALL ratings for the URL. RatingCount
	// must be at least 1; callers with zero ratings take the
	// domain-baseline path via DomainComponent instead.
	RatingCount     int
	AverageRating   float64
	SpamCount       int
	MisleadingCount int
	ScamCount       int

	ContentRule *model.ContentTypeRule
	Blacklist   *model.BlacklistRule
}

// Breakdown is the final score plus its sub-components.
type Breakdown struct {
	DomainScore    float64
	CommunityScore float64
	TrustScore     float64
}

// Compute evaluates the full weighted score for a URL with at least one
// rating. The content-type modifier is applied after the weighted
// combination and before the final clamp.
func (c *Calculator) Compute(in Input) Breakdown {
	domain := c.DomainComponent(in.Domain, in.Signals, in.Blacklist)
	community := c.communityComponent(in)

	final := c.cfg.DomainWeight*domain + c.cfg.CommunityWeight*community
	if in.ContentRule != nil {
		final += in.ContentRule.Modifier
	}

	return Breakdown{
		DomainScore:    domain,
		CommunityScore: community,
		TrustScore:     clamp(final),
	}
}

// DomainComponent builds the technical/reputation portion of the score.
// With nil signals it returns the baseline table value only; bonuses and
// penalties apply solely to observed data.
func (c *Calculator) DomainComponent(domain string, signals *model.DomainCacheEntry, blacklist *model.BlacklistRule) float64 {
	score := c.Baseline(domain)

	if signals != nil {
		if signals.AgeDays != nil {
			score += c.ageAdjustment(*signals.AgeDays)
		}
		if signals.HTTPStatus > 0 {
			if signals.TLSValid {
				score += c.cfg.TLSValidBonus
			} else {
				score -= c.cfg.TLSInvalidPenalty
			}
			if signals.HTTPStatus >= 400 {
				score -= c.cfg.HTTPErrorPenalty
			}
		} else {
			// Unreachable: no TLS, treated as an invalid certificate.
			score -= c.cfg.TLSInvalidPenalty
		}
		score -= c.worstThreatPenalty(signals.Verdicts)
	}

	if blacklist != nil {
		penalty := float64(blacklist.Severity) * c.cfg.BlacklistPerSeverity
		if penalty > c.cfg.BlacklistCap {
			penalty = c.cfg.BlacklistCap
		}
		score -= penalty
	}

	return clamp(score)
}

// Baseline returns the neutral starting score for a domain: the known-
// domain table first, then the TLD class, then the global default.
func (c *Calculator) Baseline(domain string) float64 {
	domain = strings.ToLower(domain)
	if v, ok := c.cfg.KnownDomains[domain]; ok {
		return v
	}
	for known, v := range c.cfg.KnownDomains {
		if strings.HasSuffix(domain, "."+known) {
			return v
		}
	}
	if idx := strings.LastIndex(domain, "."); idx >= 0 {
		if v, ok := c.cfg.TLDBaselines[domain[idx+1:]]; ok {
			return v
		}
	}
	return c.cfg.DefaultBaseline
}

func (c *Calculator) ageAdjustment(ageDays int) float64 {
	switch {
	case ageDays >= 5*365:
		return c.cfg.AgeBonus5Y
	case ageDays >= 2*365:
		return c.cfg.AgeBonus2Y
	case ageDays >= 365:
		return c.cfg.AgeBonus1Y
	case ageDays < 30:
		return -c.cfg.AgePenaltyUnder30D
	default:
		return 0
	}
}

// worstThreatPenalty evaluates each provider's verdict independently and
// returns the single worst penalty, never the sum.
func (c *Calculator) worstThreatPenalty(verdicts map[string]model.ThreatVerdict) float64 {
	var worst float64
	for _, v := range verdicts {
		if p := c.verdictPenalty(v); p > worst {
			worst = p
		}
	}
	return worst
}

func (c *Calculator) verdictPenalty(v model.ThreatVerdict) float64 {
	switch v {
	case model.VerdictMalware:
		return c.cfg.MalwarePenalty
	case model.VerdictPhishing:
		return c.cfg.PhishingPenalty
	case model.VerdictMalicious:
		return c.cfg.MaliciousPenalty
	case model.VerdictUnwanted:
		return c.cfg.UnwantedPenalty
	case model.VerdictSuspicious:
		return c.cfg.SuspiciousPenalty
	default:
		return 0
	}
}

// communityComponent converts the mean star rating to 0-100, subtracts
// flag-ratio penalties, and blends toward the neutral midpoint when the
// sample is smaller than the configured minimum.
func (c *Calculator) communityComponent(in Input) float64 {
	n := float64(in.RatingCount)
	score := (in.AverageRating - 1) / 4 * 100
	score -= float64(in.SpamCount) / n * c.cfg.SpamPenalty
	score -= float64(in.MisleadingCount) / n * c.cfg.MisleadingPenalty
	score -= float64(in.ScamCount) / n * c.cfg.ScamPenalty
	score = clamp(score)

	minRatings := c.cfg.MinRatings
	if in.ContentRule != nil && in.ContentRule.MinRatings > 0 {
		minRatings = in.ContentRule.MinRatings
	}
	confidence := n / float64(minRatings)
	if confidence > 1 {
		confidence = 1
	}
	return score*confidence + 50*(1-confidence)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MatchBlacklist returns the first rule whose pattern matches the domain,
// by exact name, www alias, or parent-domain suffix.
func MatchBlacklist(rules []*model.BlacklistRule, domain string) *model.BlacklistRule {
	domain = strings.ToLower(domain)
	for _, r := range rules {
		if patternMatches(r.Pattern, domain) {
			return r
		}
	}
	return nil
}

// MatchContentType returns the first content-type rule matching the
// domain, or the URL when the pattern carries a path component.
func MatchContentType(rules []*model.ContentTypeRule, domain, url string) *model.ContentTypeRule {
	domain = strings.ToLower(domain)
	for _, r := range rules {
		if strings.Contains(r.Pattern, "/") {
			if strings.Contains(url, r.Pattern) {
				return r
			}
			continue
		}
		if patternMatches(r.Pattern, domain) {
			return r
		}
	}
	return nil
}

func patternMatches(pattern, domain string) bool {
	pattern = strings.ToLower(pattern)
	return domain == pattern ||
		domain == "www."+pattern ||
		strings.HasSuffix(domain, "."+pattern)
}
