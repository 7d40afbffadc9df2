package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trustlens/trustd/internal/model"
)

const threatTimeout = 10 * time.Second

// Provider is one external threat-list source. Each provider is
// independently optional: a failing or unconfigured provider degrades to
// "no data" for that source, never to a hard analyzer failure.
type Provider interface {
	Name() string
	Check(ctx context.Context, domain string) (model.ThreatVerdict, error)
}

// verdictScore maps a verdict onto the 0-100 threat scale used for the
// combined threat score. Higher means more dangerous.
func verdictScore(v model.ThreatVerdict) (float64, bool) {
	switch v {
	case model.VerdictSafe:
		return 0, true
	case model.VerdictUnknown:
		return 10, true
	case model.VerdictSuspicious:
		return 50, true
	case model.VerdictUnwanted:
		return 60, true
	case model.VerdictMalicious:
		return 80, true
	case model.VerdictPhishing:
		return 90, true
	case model.VerdictMalware:
		return 100, true
	}
	return 0, false
}

// --- Safe Browsing provider ---

// safeBrowsingEndpoint is the v4 threatMatches lookup URL.
const safeBrowsingEndpoint = "https://safebrowsing.googleapis.com/v4/threatMatches:find"

// SafeBrowsingProvider queries the Google Safe Browsing v4 lookup API.
// Construct it only when an API key is configured.
type SafeBrowsingProvider struct {
	APIKey   string
	Client   Doer
	Endpoint string // defaults to the public endpoint
}

func (p *SafeBrowsingProvider) Name() string { return "safebrowsing" }

type sbRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string `json:"threatTypes"`
		PlatformTypes    []string `json:"platformTypes"`
		ThreatEntryTypes []string `json:"threatEntryTypes"`
		ThreatEntries    []struct {
			URL string `json:"url"`
		} `json:"threatEntries"`
	} `json:"threatInfo"`
}

type sbResponse struct {
	Matches []struct {
		ThreatType string `json:"threatType"`
	} `json:"matches"`
}

func (p *SafeBrowsingProvider) Check(ctx context.Context, domain string) (model.ThreatVerdict, error) {
	var body sbRequest
	body.Client.ClientID = "trustd"
	body.Client.ClientVersion = "1.0"
	body.ThreatInfo.ThreatTypes = []string{
		"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION",
	}
	body.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	body.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	body.ThreatInfo.ThreatEntries = []struct {
		URL string `json:"url"`
	}{{URL: "http://" + domain + "/"}}

	payload, err := json.Marshal(body)
	if err != nil {
		return model.VerdictUnknown, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = safeBrowsingEndpoint
	}

	tctx, cancel := context.WithTimeout(ctx, threatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodPost, endpoint+"?key="+p.APIKey, bytes.NewReader(payload))
	if err != nil {
		return model.VerdictUnknown, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return model.VerdictUnknown, fmt.Errorf("safebrowsing lookup for %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.VerdictUnknown, fmt.Errorf("safebrowsing lookup for %s: status %d", domain, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.VerdictUnknown, fmt.Errorf("read response: %w", err)
	}

	var out sbResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return model.VerdictUnknown, fmt.Errorf("parse response: %w", err)
	}

	worst := model.VerdictSafe
	for _, m := range out.Matches {
		v := sbThreatVerdict(m.ThreatType)
		ws, _ := verdictScore(worst)
		vs, _ := verdictScore(v)
		if vs > ws {
			worst = v
		}
	}
	return worst, nil
}

func sbThreatVerdict(threatType string) model.ThreatVerdict {
	switch threatType {
	case "MALWARE":
		return model.VerdictMalware
	case "SOCIAL_ENGINEERING":
		return model.VerdictPhishing
	case "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION":
		return model.VerdictUnwanted
	default:
		return model.VerdictSuspicious
	}
}

// --- Heuristic provider ---

// HeuristicProvider is the credential-free fallback. It never touches the
// network; it classifies a domain from its shape alone.
type HeuristicProvider struct{}

func (HeuristicProvider) Name() string { return "heuristic" }

// freeTLDs are zones with historically heavy abuse due to free registration.
var freeTLDs = map[string]bool{
	"tk": true, "ml": true, "ga": true, "cf": true, "gq": true,
}

func (HeuristicProvider) Check(_ context.Context, domain string) (model.ThreatVerdict, error) {
	labels := strings.Split(domain, ".")
	tld := labels[len(labels)-1]

	if freeTLDs[tld] {
		return model.VerdictSuspicious, nil
	}
	if strings.HasPrefix(domain, "xn--") || strings.Contains(domain, ".xn--") {
		return model.VerdictSuspicious, nil
	}
	if len(labels) > 4 {
		return model.VerdictSuspicious, nil
	}
	if digits := strings.Count(domain, "0") + strings.Count(domain, "1") +
		strings.Count(domain, "2") + strings.Count(domain, "3") +
		strings.Count(domain, "4") + strings.Count(domain, "5") +
		strings.Count(domain, "6") + strings.Count(domain, "7") +
		strings.Count(domain, "8") + strings.Count(domain, "9"); digits > len(domain)/3 {
		return model.VerdictSuspicious, nil
	}
	return model.VerdictSafe, nil
}
