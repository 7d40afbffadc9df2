package score

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable constant of the trust score calculation.
// Values live outside the binary so scoring can be retuned without a
// redeploy: DefaultConfig supplies the shipped defaults and LoadConfig
// overlays a YAML file on top of them.
type Config struct {
	// Weighted combination of the two components. Weights sum to 1.
	DomainWeight    float64 `yaml:"domain_weight"`
	CommunityWeight float64 `yaml:"community_weight"`

	// MinRatings is the sample size below which the community component
	// is blended toward the neutral midpoint.
	MinRatings int `yaml:"min_ratings"`

	// Community flag penalty weights, applied as ratio(flag) * weight.
	SpamPenalty       float64 `yaml:"spam_penalty"`
	MisleadingPenalty float64 `yaml:"misleading_penalty"`
	ScamPenalty       float64 `yaml:"scam_penalty"`

	// Domain age adjustments, in points.
	AgeBonus5Y         float64 `yaml:"age_bonus_5y"`
	AgeBonus2Y         float64 `yaml:"age_bonus_2y"`
	AgeBonus1Y         float64 `yaml:"age_bonus_1y"`
	AgePenaltyUnder30D float64 `yaml:"age_penalty_under_30d"`

	// Reachability adjustments.
	TLSValidBonus     float64 `yaml:"tls_valid_bonus"`
	TLSInvalidPenalty float64 `yaml:"tls_invalid_penalty"`
	HTTPErrorPenalty  float64 `yaml:"http_error_penalty"`

	// Threat verdict penalties. The worst (largest) penalty across
	// providers applies, never the sum.
	MalwarePenalty    float64 `yaml:"malware_penalty"`
	PhishingPenalty   float64 `yaml:"phishing_penalty"`
	MaliciousPenalty  float64 `yaml:"malicious_penalty"`
	UnwantedPenalty   float64 `yaml:"unwanted_penalty"`
	SuspiciousPenalty float64 `yaml:"suspicious_penalty"`

	// Blacklist penalty: severity * per-severity points, capped.
	BlacklistPerSeverity float64 `yaml:"blacklist_per_severity"`
	BlacklistCap         float64 `yaml:"blacklist_cap"`

	// Baselines. Known domains win over TLD classes; unmatched domains
	// fall back to DefaultBaseline.
	DefaultBaseline float64            `yaml:"default_baseline"`
	TLDBaselines    map[string]float64 `yaml:"tld_baselines"`
	KnownDomains    map[string]float64 `yaml:"known_domains"`

	// Rule seeds, upserted into the store at startup. The tables stay
	// the source of truth at runtime; these only bootstrap them.
	Blacklist    []BlacklistSeed   `yaml:"blacklist"`
	ContentTypes []ContentTypeSeed `yaml:"content_types"`
}

// BlacklistSeed is a blacklist rule loaded from the scoring config file.
type BlacklistSeed struct {
	Pattern  string `yaml:"pattern"`
	Severity int    `yaml:"severity"`
	Reason   string `yaml:"reason"`
}

// ContentTypeSeed is a content-type rule loaded from the scoring config file.
type ContentTypeSeed struct {
	Pattern     string  `yaml:"pattern"`
	ContentType string  `yaml:"content_type"`
	Modifier    float64 `yaml:"modifier"`
	MinRatings  int     `yaml:"min_ratings"`
}

// DefaultConfig returns the shipped scoring constants.
func DefaultConfig() Config {
	return Config{
		DomainWeight:    0.4,
		CommunityWeight: 0.6,
		MinRatings:      5,

		SpamPenalty:       30,
		MisleadingPenalty: 25,
		ScamPenalty:       40,

		AgeBonus5Y:         15,
		AgeBonus2Y:         10,
		AgeBonus1Y:         5,
		AgePenaltyUnder30D: 10,

		TLSValidBonus:     5,
		TLSInvalidPenalty: 15,
		HTTPErrorPenalty:  20,

		MalwarePenalty:    50,
		PhishingPenalty:   45,
		MaliciousPenalty:  40,
		UnwantedPenalty:   30,
		SuspiciousPenalty: 25,

		BlacklistPerSeverity: 5,
		BlacklistCap:         50,

		DefaultBaseline: 50,
		TLDBaselines: map[string]float64{
			"gov":  80,
			"edu":  80,
			"mil":  75,
			"org":  65,
			"com":  60,
			"net":  60,
			"io":   58,
			"dev":  58,
			"info": 50,
			"biz":  48,
			"xyz":  40,
			"top":  35,
			"tk":   30,
			"ml":   30,
			"ga":   30,
			"cf":   30,
			"gq":   30,
		},
		KnownDomains: map[string]float64{
			"wikipedia.org":     90,
			"github.com":        85,
			"stackoverflow.com": 85,
			"mozilla.org":       85,
			"google.com":        85,
			"archive.org":       80,
			"reddit.com":        70,
		},
	}
}

// LoadConfig reads a YAML scoring config and overlays it on the defaults.
// An empty path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read scoring config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse scoring config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("scoring config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	sum := c.DomainWeight + c.CommunityWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("component weights must sum to 1, got %.3f", sum)
	}
	if c.MinRatings < 1 {
		return fmt.Errorf("min_ratings must be at least 1")
	}
	for _, b := range c.Blacklist {
		if b.Severity < 1 || b.Severity > 10 {
			return fmt.Errorf("blacklist severity for %q out of range 1-10", b.Pattern)
		}
	}
	return nil
}
