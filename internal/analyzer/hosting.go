package analyzer

import (
	"context"
	"net"
	"time"

	"github.com/ammario/ipisp/v2"
)

const (
	dnsTimeout = 10 * time.Second
	asnTimeout = 10 * time.Second
)

// DNSResolver abstracts DNS lookups for testing.
type DNSResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// netResolver wraps net.Resolver to implement DNSResolver.
type netResolver struct {
	r *net.Resolver
}

func (n *netResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return n.r.LookupIP(ctx, network, host)
}

// NewDNSResolver returns a DNSResolver backed by the system resolver.
func NewDNSResolver() DNSResolver {
	return &netResolver{r: net.DefaultResolver}
}

// ASNClient abstracts IP-to-ASN lookups for testing.
type ASNClient interface {
	LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error)
}

// cymruClient wraps ipisp for Team Cymru DNS lookups.
type cymruClient struct{}

func (c *cymruClient) LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error) {
	return ipisp.LookupIP(ctx, ip)
}

// NewASNClient returns an ASNClient backed by Team Cymru DNS.
func NewASNClient() ASNClient {
	return &cymruClient{}
}

// HostingInfo describes where a domain is hosted. The signal is
// informational; scoring never depends on it.
type HostingInfo struct {
	ASN     int
	ASNName string
	Country string
}

// lookupHosting resolves the domain's first A record and maps it to an
// ASN. Any failure returns nil; hosting data is best-effort.
func lookupHosting(ctx context.Context, resolver DNSResolver, asn ASNClient, domain string) *HostingInfo {
	dctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := resolver.LookupIP(dctx, "ip4", domain)
	if err != nil || len(ips) == 0 {
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, asnTimeout)
	defer cancel()

	resp, err := asn.LookupIP(actx, ips[0])
	if err != nil {
		return nil
	}
	return &HostingInfo{
		ASN:     int(resp.ASN),
		ASNName: resp.ISPName,
		Country: resp.Country,
	}
}
