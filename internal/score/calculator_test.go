package score

import (
	"math"
	"testing"

	"github.com/trustlens/trustd/internal/model"
)

func approx(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

func intPtr(v int) *int { return &v }

func TestComputeWeightedCombination(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// Three ratings {5, 4+spam, 3}: average 4.0, one spam flag.
	// Community: (4-1)/4*100 = 75, minus 1/3*30 spam = 65, blended at
	// confidence 3/5 toward 50 = 59. Domain: .com baseline 60.
	got := c.Compute(Input{
		Domain:        "example.com",
		RatingCount:   3,
		AverageRating: 4.0,
		SpamCount:     1,
	})

	approx(t, got.DomainScore, 60, "DomainScore")
	approx(t, got.CommunityScore, 59, "CommunityScore")
	approx(t, got.TrustScore, 0.4*60+0.6*59, "TrustScore")
}

func TestDomainComponentAgeAndTLS(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	tests := []struct {
		name    string
		ageDays int
		want    float64
	}{
		{"over five years", 6 * 365, 65 + 15 + 5},
		{"over two years", 800, 65 + 10 + 5},
		{"over one year", 400, 65 + 5 + 5},
		{"middling", 100, 65 + 0 + 5},
		{"under thirty days", 10, 65 - 10 + 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := &model.DomainCacheEntry{
				AgeDays:    intPtr(tt.ageDays),
				HTTPStatus: 200,
				TLSValid:   true,
			}
			approx(t, c.DomainComponent("example.org", signals, nil), tt.want, "DomainComponent")
		})
	}
}

func TestDomainComponentUnreachable(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// HTTP status 0 means the probe never connected; scored like an
	// invalid certificate.
	signals := &model.DomainCacheEntry{HTTPStatus: 0}
	approx(t, c.DomainComponent("example.org", signals, nil), 65-15, "DomainComponent")
}

func TestDomainComponentHTTPError(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	signals := &model.DomainCacheEntry{HTTPStatus: 503, TLSValid: true}
	approx(t, c.DomainComponent("example.org", signals, nil), 65+5-20, "DomainComponent")
}

func TestWorstThreatPenaltyNotSummed(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	signals := &model.DomainCacheEntry{
		HTTPStatus: 200,
		TLSValid:   true,
		Verdicts: map[string]model.ThreatVerdict{
			"heuristic":    model.VerdictSuspicious,
			"safebrowsing": model.VerdictPhishing,
		},
	}
	// Phishing (45) applies alone, not 45+25.
	approx(t, c.DomainComponent("example.com", signals, nil), 60+5-45, "DomainComponent")
}

func TestBlacklistPenalty(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	rule := &model.BlacklistRule{Pattern: "example.com", Severity: 3}
	approx(t, c.DomainComponent("example.com", nil, rule), 60-15, "severity 3")

	rule.Severity = 10
	approx(t, c.DomainComponent("example.com", nil, rule), 60-50, "severity 10 hits cap")
}

func TestBaseline(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	tests := []struct {
		domain string
		want   float64
	}{
		{"wikipedia.org", 90},
		{"en.wikipedia.org", 90}, // subdomain inherits the known entry
		{"github.com", 85},
		{"whitehouse.gov", 80},
		{"shady.tk", 30},
		{"example.zz", 50}, // unknown TLD falls back to the default
		{"localhost", 50},
	}
	for _, tt := range tests {
		approx(t, c.Baseline(tt.domain), tt.want, tt.domain)
	}
}

func TestConfidenceBlend(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// Full sample: five perfect ratings carry their full weight.
	full := c.Compute(Input{Domain: "example.com", RatingCount: 5, AverageRating: 5})
	approx(t, full.CommunityScore, 100, "full confidence community")

	// A single perfect rating is blended 20/80 toward the midpoint.
	single := c.Compute(Input{Domain: "example.com", RatingCount: 1, AverageRating: 5})
	approx(t, single.CommunityScore, 100*0.2+50*0.8, "low confidence community")

	if single.TrustScore >= full.TrustScore {
		t.Errorf("low-confidence score %v should be below full-confidence %v",
			single.TrustScore, full.TrustScore)
	}
}

func TestCommunityScoreRisesWithAverageRating(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// With the flag counts held fixed, a better average never lowers the
	// community component.
	prev := -1.0
	for avg := 1.0; avg <= 5.0; avg += 0.25 {
		got := c.Compute(Input{
			Domain:        "example.com",
			RatingCount:   20,
			AverageRating: avg,
			SpamCount:     2,
		})
		if got.CommunityScore < prev {
			t.Errorf("community score fell to %v at average %v (was %v)",
				got.CommunityScore, avg, prev)
		}
		prev = got.CommunityScore
	}
}

func TestCommunityScoreFallsWithFlagReports(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// With the average held fixed, more reports of each flag kind never
	// raise the community component.
	flags := []struct {
		name string
		set  func(in *Input, n int)
	}{
		{"spam", func(in *Input, n int) { in.SpamCount = n }},
		{"misleading", func(in *Input, n int) { in.MisleadingCount = n }},
		{"scam", func(in *Input, n int) { in.ScamCount = n }},
	}
	for _, f := range flags {
		t.Run(f.name, func(t *testing.T) {
			prev := 101.0
			for n := 0; n <= 20; n++ {
				in := Input{Domain: "example.com", RatingCount: 20, AverageRating: 4}
				f.set(&in, n)
				got := c.Compute(in)
				if got.CommunityScore > prev {
					t.Errorf("community score rose to %v at %d %s reports (was %v)",
						got.CommunityScore, n, f.name, prev)
				}
				prev = got.CommunityScore
			}
		})
	}
}

func TestContentRuleModifierAndMinRatings(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	rule := &model.ContentTypeRule{ContentType: "reference", Modifier: 8, MinRatings: 1}
	got := c.Compute(Input{
		Domain:        "example.com",
		RatingCount:   1,
		AverageRating: 3,
		ContentRule:   rule,
	})
	// MinRatings 1 makes a single rating fully confident; the modifier is
	// added after the weighted combination.
	approx(t, got.CommunityScore, 50, "CommunityScore")
	approx(t, got.TrustScore, 0.4*60+0.6*50+8, "TrustScore")
}

func TestScoresClamped(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	// Everything bad at once still bottoms out at zero.
	signals := &model.DomainCacheEntry{
		HTTPStatus: 0,
		Verdicts:   map[string]model.ThreatVerdict{"safebrowsing": model.VerdictMalware},
	}
	rule := &model.BlacklistRule{Pattern: "example.com", Severity: 10}
	low := c.Compute(Input{
		Domain:        "example.com",
		Signals:       signals,
		RatingCount:   5,
		AverageRating: 1,
		ScamCount:     5,
		Blacklist:     rule,
	})
	approx(t, low.TrustScore, 0, "floor")

	// A known domain with every bonus tops out at 100.
	good := &model.DomainCacheEntry{
		AgeDays:    intPtr(20 * 365),
		HTTPStatus: 200,
		TLSValid:   true,
	}
	approx(t, c.DomainComponent("wikipedia.org", good, nil), 100, "ceiling")
}

func TestMatchBlacklist(t *testing.T) {
	rules := []*model.BlacklistRule{
		{Pattern: "bad.example", Severity: 5},
	}

	if MatchBlacklist(rules, "bad.example") == nil {
		t.Error("exact match should hit")
	}
	if MatchBlacklist(rules, "www.bad.example") == nil {
		t.Error("www alias should hit")
	}
	if MatchBlacklist(rules, "cdn.bad.example") == nil {
		t.Error("subdomain should hit")
	}
	if MatchBlacklist(rules, "notbad.example") != nil {
		t.Error("partial label overlap should not hit")
	}
}

func TestMatchContentType(t *testing.T) {
	rules := []*model.ContentTypeRule{
		{Pattern: "example.com/docs", ContentType: "documentation", Modifier: 5},
		{Pattern: "example.com", ContentType: "general", Modifier: 0},
	}

	got := MatchContentType(rules, "example.com", "https://example.com/docs/intro")
	if got == nil || got.ContentType != "documentation" {
		t.Errorf("path pattern should win for docs URL, got %+v", got)
	}

	got = MatchContentType(rules, "example.com", "https://example.com/blog")
	if got == nil || got.ContentType != "general" {
		t.Errorf("domain pattern should match, got %+v", got)
	}

	if MatchContentType(rules, "other.org", "https://other.org/") != nil {
		t.Error("unrelated domain should not match")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainWeight = 0.7
	if err := cfg.validate(); err == nil {
		t.Error("weights not summing to 1 should fail validation")
	}

	cfg = DefaultConfig()
	cfg.MinRatings = 0
	if err := cfg.validate(); err == nil {
		t.Error("min_ratings below 1 should fail validation")
	}
}
