// Package intel provides bounded, cached, rate-limited clients for the
// threat-intelligence providers used during enrichment: geolocation/ASN,
// IP reputation (VirusTotal, AbuseIPDB), reverse DNS and OUI vendor lookup.
//
// No client failure is fatal to the pipeline; every error carries a Kind so
// the enrichment orchestrator can classify it and continue with partial data.
package intel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrorKind classifies intel lookup failures. All kinds are soft errors.
type ErrorKind int

const (
	KindRateLimited ErrorKind = iota
	KindTimeout
	KindNetworkError
	KindAuthError
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network_error"
	case KindAuthError:
		return "auth_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Error is a classified soft error from an intel provider.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an intel Error from an error chain.
func AsError(err error) (*Error, bool) {
	var intelErr *Error
	ok := errors.As(err, &intelErr)
	return intelErr, ok
}

// ErrClientDisabled is returned by clients whose credentials are missing.
// Disabled clients report empty results and never hit the network.
var ErrClientDisabled = errors.New("intel client disabled: missing credentials")

// GeoResult holds geolocation and ASN fields for one IP.
type GeoResult struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	ASN         int     `json:"asn"`
	ASOrg       string  `json:"as_org"`
}

// ReputationResult aggregates the reputation providers for one IP.
type ReputationResult struct {
	VTPositives      int      `json:"vt_positives"`
	VTTotal          int      `json:"vt_total"`
	AbuseIPDBScore   int      `json:"abuseipdb_score"`
	IsKnownMalicious bool     `json:"is_known_malicious"`
	Tags             []string `json:"tags,omitempty"`
	SourcesUsed      []string `json:"sources_used,omitempty"`
}

// Status is a provider health state surfaced on the dashboard feed.
type Status string

const (
	StatusOK          Status = "ok"
	StatusRateLimited Status = "rate_limited"
	StatusUnavailable Status = "unavailable"
)

// health tracks the most recent outcome per provider with interior locking.
type health struct {
	mu     sync.Mutex
	status Status
}

func newHealth(initial Status) *health {
	return &health{status: initial}
}

func (h *health) set(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// observe records a lookup outcome, mapping the error taxonomy onto the
// provider health states.
func (h *health) observe(err error) {
	if err == nil {
		h.set(StatusOK)
		return
	}
	if intelErr, ok := AsError(err); ok && intelErr.Kind == KindRateLimited {
		h.set(StatusRateLimited)
		return
	}
	h.set(StatusUnavailable)
}

func (h *health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}
