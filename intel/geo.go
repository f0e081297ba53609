package intel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const geoProvider = "geo"

// defaultGeoEndpoint serves both geolocation and ASN data in one response,
// so a single client covers both enrichment concerns.
const defaultGeoEndpoint = "http://ip-api.com/json"

// GeoClient looks up geolocation and ASN data for public IPs.
// Responses are cached for 24h; the free endpoint tier allows 45 requests
// per minute, which is the default bucket size.
type GeoClient struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	cache    *cache[GeoResult]
	health   *health
}

// geoResponse is the provider wire format.
type geoResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AS          string  `json:"as"` // e.g. "AS15169 Google LLC"
}

// NewGeoClient returns a geolocation/ASN client with the given per-minute
// rate limit and per-call timeout.
func NewGeoClient(ratePerMin int, timeout time.Duration) *GeoClient {
	return &GeoClient{
		endpoint: defaultGeoEndpoint,
		http:     &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
		timeout:  timeout,
		cache:    newCache[GeoResult](DefaultCacheEntries, DefaultGeoTTL),
		health:   newHealth(StatusOK),
	}
}

// Lookup resolves geolocation and ASN fields for ip. Cache hits return in
// O(1) without consuming rate-limit budget.
func (c *GeoClient) Lookup(ctx context.Context, ip string) (GeoResult, error) {
	if cached, ok := c.cache.get(ip); ok {
		return cached, nil
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s?fields=status,message,country,countryCode,regionName,city,lat,lon,as", c.endpoint, ip), nil)
	if err != nil {
		return GeoResult{}, &Error{Kind: KindMalformedResponse, Provider: geoProvider, Err: err}
	}

	var resp geoResponse
	if err := httpGetJSON(ctx, geoProvider, c.http, c.limiter, c.timeout, req, &resp); err != nil {
		c.health.observe(err)
		return GeoResult{}, err
	}

	if resp.Status != "success" {
		err := &Error{Kind: KindMalformedResponse, Provider: geoProvider, Err: fmt.Errorf("provider status %q: %s", resp.Status, resp.Message)}
		c.health.observe(err)
		return GeoResult{}, err
	}

	result := GeoResult{
		CountryCode: resp.CountryCode,
		CountryName: resp.Country,
		Lat:         resp.Lat,
		Lon:         resp.Lon,
		Region:      resp.RegionName,
		City:        resp.City,
		ASOrg:       resp.AS,
	}
	result.ASN, result.ASOrg = splitASField(resp.AS)

	c.cache.add(ip, result)
	c.health.observe(nil)
	return result, nil
}

// Status reports provider health for the dashboard feed.
func (c *GeoClient) Status() Status { return c.health.Status() }

// splitASField parses the combined "AS15169 Google LLC" field into its
// number and organization parts.
func splitASField(as string) (int, string) {
	if as == "" {
		return 0, ""
	}
	fields := strings.SplitN(as, " ", 2)
	asn, err := strconv.Atoi(strings.TrimPrefix(fields[0], "AS"))
	if err != nil {
		return 0, as
	}
	if len(fields) == 2 {
		return asn, fields[1]
	}
	return asn, ""
}
