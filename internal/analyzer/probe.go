package analyzer

import (
	"context"
	"net/http"
	"time"
)

// probeTimeout bounds a single reachability probe. Timeouts are treated
// as "unreachable", never as a retryable indefinite wait.
const probeTimeout = 10 * time.Second

// Doer abstracts the HTTP client for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewProbeClient returns an HTTP client suitable for reachability probes.
func NewProbeClient() *http.Client {
	return &http.Client{
		Timeout: probeTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// probeReachability performs an HTTPS HEAD probe with an HTTP fallback.
// It returns the response status and whether a valid TLS handshake
// completed. Unreachable domains yield (0, false) rather than an error.
func probeReachability(ctx context.Context, client Doer, domain string) (status int, tlsValid bool) {
	tctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if resp, err := headRequest(tctx, client, "https://"+domain+"/"); err == nil {
		resp.Body.Close()
		// A redirect chain may land on plain HTTP; only a response that
		// arrived over a TLS connection earns the valid flag.
		return resp.StatusCode, resp.TLS != nil
	}

	// HTTPS failed (refused, bad certificate, timeout); try plain HTTP.
	if resp, err := headRequest(tctx, client, "http://"+domain+"/"); err == nil {
		resp.Body.Close()
		return resp.StatusCode, false
	}

	return 0, false
}

func headRequest(ctx context.Context, client Doer, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "trustd/1.0 (domain reachability probe)")
	return client.Do(req)
}
