// Package analyzer performs external security checks for single domains
// and refreshes the domain analysis cache in bounded-concurrency batches.
package analyzer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustlens/trustd/internal/model"
)

// CacheTTL is how long a domain analysis result stays valid.
const CacheTTL = 7 * 24 * time.Hour

// Analyzer runs the independent probes for one domain: reachability,
// registration age, hosting, and threat lists. Every probe tolerates
// failure on its own; Analyze always returns a usable cache entry.
type Analyzer struct {
	http      Doer
	rdap      RDAPClient
	dns       DNSResolver
	asn       ASNClient
	providers []Provider

	// limiter is the shared budget for external calls across all probes
	// and all concurrent analyses.
	limiter *rate.Limiter
	ttl     time.Duration
	logger  *slog.Logger
}

// Options configures an Analyzer. Zero-valued fields fall back to
// production defaults.
type Options struct {
	HTTP      Doer
	RDAP      RDAPClient
	DNS       DNSResolver
	ASN       ASNClient
	Providers []Provider
	// LookupsPerSecond caps outbound external calls. Zero means 4/s.
	LookupsPerSecond float64
	TTL              time.Duration
	Logger           *slog.Logger
}

// New creates an Analyzer. With an empty SafeBrowsing key only the
// built-in heuristic provider is registered.
func New(opts Options) *Analyzer {
	if opts.HTTP == nil {
		opts.HTTP = NewProbeClient()
	}
	if opts.RDAP == nil {
		opts.RDAP = NewRDAPClient()
	}
	if opts.DNS == nil {
		opts.DNS = NewDNSResolver()
	}
	if opts.ASN == nil {
		opts.ASN = NewASNClient()
	}
	if opts.LookupsPerSecond <= 0 {
		opts.LookupsPerSecond = 4
	}
	if opts.TTL <= 0 {
		opts.TTL = CacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{
		http:      opts.HTTP,
		rdap:      opts.RDAP,
		dns:       opts.DNS,
		asn:       opts.ASN,
		providers: opts.Providers,
		limiter:   rate.NewLimiter(rate.Limit(opts.LookupsPerSecond), 2),
		ttl:       opts.TTL,
		logger:    opts.Logger,
	}
}

// DefaultProviders returns the provider set for the given configuration.
func DefaultProviders(safeBrowsingKey string, client Doer) []Provider {
	providers := []Provider{HeuristicProvider{}}
	if safeBrowsingKey != "" {
		if client == nil {
			client = NewProbeClient()
		}
		providers = append(providers, &SafeBrowsingProvider{APIKey: safeBrowsingKey, Client: client})
	}
	return providers
}

// Analyze performs all checks for a domain and returns a cache entry
// stamped with the analyzer's TTL. It never returns an error: individual
// probe failures degrade to absent signals and are logged.
func (a *Analyzer) Analyze(ctx context.Context, domain string) *model.DomainCacheEntry {
	now := time.Now().UTC()
	entry := &model.DomainCacheEntry{
		Domain:    domain,
		Verdicts:  make(map[string]model.ThreatVerdict),
		CheckedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}

	// Reachability.
	if err := a.limiter.Wait(ctx); err == nil {
		entry.HTTPStatus, entry.TLSValid = probeReachability(ctx, a.http, domain)
	}

	// Registration age, heuristic fallback on any failure.
	if err := a.limiter.Wait(ctx); err == nil {
		rctx, cancel := context.WithTimeout(ctx, rdapTimeout)
		age, err := lookupRegistrationAge(rctx, a.rdap, domain, now)
		cancel()
		if err != nil {
			a.logger.Debug("rdap age lookup failed", "domain", domain, "error", err)
			age = heuristicAge(domain)
		} else if age == nil {
			age = heuristicAge(domain)
		}
		entry.AgeDays = age
	}

	// Hosting ASN/country, informational.
	if err := a.limiter.Wait(ctx); err == nil {
		if h := lookupHosting(ctx, a.dns, a.asn, domain); h != nil {
			entry.ASN = h.ASN
			entry.ASNName = h.ASNName
			entry.Country = h.Country
		}
	}

	// Threat providers, each independently optional. The combined score
	// is the mean over providers that answered; zero answers means "no
	// data", not "safe".
	var sum float64
	var answered int
	for _, p := range a.providers {
		if err := a.limiter.Wait(ctx); err != nil {
			break
		}
		verdict, err := p.Check(ctx, domain)
		if err != nil {
			a.logger.Warn("threat provider failed", "provider", p.Name(), "domain", domain, "error", err)
			continue
		}
		entry.Verdicts[p.Name()] = verdict
		if s, ok := verdictScore(verdict); ok {
			sum += s
			answered++
		}
	}
	if answered > 0 {
		mean := sum / float64(answered)
		entry.ThreatScore = &mean
	}

	return entry
}
