package intel

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

const rdnsProvider = "rdns"

// RDNSClient resolves PTR records for public destination IPs. The hostname
// is audit metadata only; resolution failures leave the field empty and
// never mark the record partial.
type RDNSClient struct {
	resolver string
	client   *dns.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	cache    *cache[string]
	health   *health
	enabled  bool
	exchange func(msg *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// NewRDNSClient returns a PTR lookup client. An empty resolver address
// falls back to the system resolver from /etc/resolv.conf.
func NewRDNSClient(enabled bool, resolver string, ratePerSec int, timeout time.Duration) *RDNSClient {
	if resolver == "" {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
			resolver = conf.Servers[0] + ":" + conf.Port
		} else {
			enabled = false
		}
	}

	status := StatusOK
	if !enabled {
		status = StatusUnavailable
	}

	client := &dns.Client{Timeout: timeout}
	return &RDNSClient{
		resolver: resolver,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		timeout:  timeout,
		cache:    newCache[string](DefaultCacheEntries, DefaultGeoTTL),
		health:   newHealth(status),
		enabled:  enabled,
		exchange: client.Exchange,
	}
}

// Enabled reports whether the client has a usable resolver.
func (c *RDNSClient) Enabled() bool { return c.enabled }

// Lookup returns the PTR name for ip, or the empty string when the IP has
// no reverse mapping.
func (c *RDNSClient) Lookup(ctx context.Context, ip string) (string, error) {
	if !c.enabled {
		return "", ErrClientDisabled
	}

	if cached, ok := c.cache.get(ip); ok {
		return cached, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		rlErr := &Error{Kind: KindRateLimited, Provider: rdnsProvider, Err: err}
		c.health.observe(rlErr)
		return "", rlErr
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", &Error{Kind: KindMalformedResponse, Provider: rdnsProvider, Err: err}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	resp, _, err := c.exchange(msg, c.resolver)
	if err != nil {
		kind := KindNetworkError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		dnsErr := &Error{Kind: kind, Provider: rdnsProvider, Err: err}
		c.health.observe(dnsErr)
		return "", dnsErr
	}

	var hostname string
	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			hostname = ptr.Ptr
			break
		}
	}

	// NXDOMAIN is a valid answer: cache the absence too
	c.cache.add(ip, hostname)
	c.health.observe(nil)
	return hostname, nil
}

// Status reports provider health for the dashboard feed.
func (c *RDNSClient) Status() Status { return c.health.Status() }
