package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openrdap/rdap"
)

const rdapTimeout = 15 * time.Second

// RDAPClient abstracts RDAP domain lookups for testing.
type RDAPClient interface {
	LookupDomain(ctx context.Context, domain string) (*rdap.Domain, error)
}

// defaultRDAPClient uses the openrdap library with its standard bootstrap.
type defaultRDAPClient struct{}

func (c *defaultRDAPClient) LookupDomain(ctx context.Context, domain string) (*rdap.Domain, error) {
	client := &rdap.Client{}
	req := &rdap.Request{
		Type:  rdap.DomainRequest,
		Query: domain,
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	d, ok := resp.Object.(*rdap.Domain)
	if !ok {
		return nil, fmt.Errorf("rdap: unexpected response type for domain %s", domain)
	}
	return d, nil
}

// NewRDAPClient returns an RDAPClient backed by the standard RDAP bootstrap.
func NewRDAPClient() RDAPClient {
	return &defaultRDAPClient{}
}

// lookupRegistrationAge queries RDAP for the domain's registration event
// and returns the age in days at the reference time.
func lookupRegistrationAge(ctx context.Context, client RDAPClient, domain string, now time.Time) (*int, error) {
	d, err := client.LookupDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("rdap lookup for %s: %w", domain, err)
	}

	for _, ev := range d.Events {
		if !strings.EqualFold(ev.Action, "registration") {
			continue
		}
		t, err := parseEventDate(ev.Date)
		if err != nil {
			continue
		}
		days := int(now.Sub(t).Hours() / 24)
		if days < 0 {
			days = 0
		}
		return &days, nil
	}
	return nil, nil
}

func parseEventDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable event date %q", s)
}

// heuristicAge estimates domain age without registration data. Only
// well-established TLD classes get an estimate; everything else stays
// unknown rather than being guessed.
func heuristicAge(domain string) *int {
	idx := strings.LastIndex(domain, ".")
	if idx < 0 {
		return nil
	}
	switch domain[idx+1:] {
	case "gov", "edu", "mil":
		days := 10 * 365
		return &days
	}
	return nil
}
