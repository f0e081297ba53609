package intel

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const abuseProvider = "abuseipdb"

const defaultAbuseEndpoint = "https://api.abuseipdb.com/api/v2/check"

// abuseResult carries the fields of an AbuseIPDB verdict consumed by the
// reputation aggregator.
type abuseResult struct {
	ConfidenceScore int
	IsTor           bool
	UsageType       string
}

// AbuseClient queries the AbuseIPDB v2 check endpoint. A client without an
// API key disables itself and reports empty results.
type AbuseClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	cache    *cache[abuseResult]
	health   *health
}

type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		IsTor                bool   `json:"isTor"`
		UsageType            string `json:"usageType"`
	} `json:"data"`
}

// NewAbuseClient returns an AbuseIPDB client limited to ratePerSec requests.
func NewAbuseClient(apiKey string, ratePerSec int, timeout time.Duration) *AbuseClient {
	status := StatusOK
	if apiKey == "" {
		status = StatusUnavailable
	}
	return &AbuseClient{
		endpoint: defaultAbuseEndpoint,
		apiKey:   apiKey,
		http:     &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		timeout:  timeout,
		cache:    newCache[abuseResult](DefaultCacheEntries, DefaultReputationTTL),
		health:   newHealth(status),
	}
}

// Enabled reports whether credentials were provided at startup.
func (c *AbuseClient) Enabled() bool { return c.apiKey != "" }

func (c *AbuseClient) lookup(ctx context.Context, ip string) (abuseResult, error) {
	if !c.Enabled() {
		return abuseResult{}, ErrClientDisabled
	}

	if cached, ok := c.cache.get(ip); ok {
		return cached, nil
	}

	params := url.Values{}
	params.Set("ipAddress", ip)
	params.Set("maxAgeInDays", "90")

	req, err := http.NewRequest(http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return abuseResult{}, &Error{Kind: KindMalformedResponse, Provider: abuseProvider, Err: err}
	}
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	var resp abuseResponse
	if err := httpGetJSON(ctx, abuseProvider, c.http, c.limiter, c.timeout, req, &resp); err != nil {
		c.health.observe(err)
		return abuseResult{}, err
	}

	result := abuseResult{
		ConfidenceScore: resp.Data.AbuseConfidenceScore,
		IsTor:           resp.Data.IsTor,
		UsageType:       resp.Data.UsageType,
	}

	c.cache.add(ip, result)
	c.health.observe(nil)
	return result, nil
}

// Status reports provider health for the dashboard feed.
func (c *AbuseClient) Status() Status { return c.health.Status() }
