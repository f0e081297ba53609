package intel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const vtProvider = "vt"

const defaultVTEndpoint = "https://www.virustotal.com/api/v3/ip_addresses"

// vtResult carries the fields of a VirusTotal verdict consumed by the
// reputation aggregator.
type vtResult struct {
	Positives int
	Total     int
	Tags      []string
}

// VTClient queries the VirusTotal v3 IP address endpoint. A client without
// an API key disables itself and reports empty results.
type VTClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	cache    *cache[vtResult]
	health   *health
}

type vtResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
				Timeout    int `json:"timeout"`
			} `json:"last_analysis_stats"`
			Tags []string `json:"tags"`
		} `json:"attributes"`
	} `json:"data"`
}

// NewVTClient returns a VirusTotal client limited to ratePerSec requests.
func NewVTClient(apiKey string, ratePerSec int, timeout time.Duration) *VTClient {
	status := StatusOK
	if apiKey == "" {
		status = StatusUnavailable
	}
	return &VTClient{
		endpoint: defaultVTEndpoint,
		apiKey:   apiKey,
		http:     &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		timeout:  timeout,
		cache:    newCache[vtResult](DefaultCacheEntries, DefaultReputationTTL),
		health:   newHealth(status),
	}
}

// Enabled reports whether credentials were provided at startup.
func (c *VTClient) Enabled() bool { return c.apiKey != "" }

func (c *VTClient) lookup(ctx context.Context, ip string) (vtResult, error) {
	if !c.Enabled() {
		return vtResult{}, ErrClientDisabled
	}

	if cached, ok := c.cache.get(ip); ok {
		return cached, nil
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s", c.endpoint, ip), nil)
	if err != nil {
		return vtResult{}, &Error{Kind: KindMalformedResponse, Provider: vtProvider, Err: err}
	}
	req.Header.Set("x-apikey", c.apiKey)

	var resp vtResponse
	if err := httpGetJSON(ctx, vtProvider, c.http, c.limiter, c.timeout, req, &resp); err != nil {
		c.health.observe(err)
		return vtResult{}, err
	}

	stats := resp.Data.Attributes.LastAnalysisStats
	result := vtResult{
		Positives: stats.Malicious + stats.Suspicious,
		Total:     stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected + stats.Timeout,
		Tags:      resp.Data.Attributes.Tags,
	}

	c.cache.add(ip, result)
	c.health.observe(nil)
	return result, nil
}

// Status reports provider health for the dashboard feed.
func (c *VTClient) Status() Status { return c.health.Status() }
