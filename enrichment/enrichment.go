// Package enrichment attaches geolocation, ASN, reputation and reverse-DNS
// context to captured connection records. No lookup failure is fatal: every
// accepted record produces an EnrichedRecord, marked partial when one of the
// required clients failed or the per-record deadline expired.
package enrichment

import (
	"context"
	"net"
	"time"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/intel"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/util"

	"golang.org/x/sync/errgroup"
)

// Fixed metadata attached to destinations inside RFC1918, loopback,
// link-local, multicast or unique-local ranges. Intel clients are never
// called for these.
const (
	PrivateCountryCode = "PRIVATE"
	PrivateCountryName = "Private Network"
)

// EnrichedRecord is a capture record plus whatever intel lookups succeeded.
type EnrichedRecord struct {
	capture.Record
	Geo        *intel.GeoResult        `json:"geo,omitempty"`
	Reputation *intel.ReputationResult `json:"reputation,omitempty"`
	RDNS       string                  `json:"rdns,omitempty"`
	MACVendor  string                  `json:"mac_vendor,omitempty"`

	// EnrichmentLatencyMS is cumulative wall time spent on intel lookups.
	EnrichmentLatencyMS float64 `json:"enrichment_latency_ms"`

	// EnrichmentPartial is true when a required client failed; the record
	// still flows.
	EnrichmentPartial bool `json:"enrichment_partial"`
}

// GeoLookup resolves geolocation/ASN data for an IP.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (intel.GeoResult, error)
}

// ReputationLookup resolves aggregated reputation data for an IP.
type ReputationLookup interface {
	Lookup(ctx context.Context, ip string) (intel.ReputationResult, error)
}

// RDNSLookup resolves the PTR name for an IP. Best-effort audit metadata;
// failures never mark a record partial.
type RDNSLookup interface {
	Lookup(ctx context.Context, ip string) (string, error)
	Enabled() bool
}

// VendorLookup maps a MAC address to its OUI vendor.
type VendorLookup interface {
	Vendor(mac string) string
}

// Enricher fans out intel lookups for each record under a per-record
// deadline. It is pure with respect to client cache state: enriching the
// same destination twice within the cache TTL yields identical results.
type Enricher struct {
	geo        GeoLookup
	reputation ReputationLookup
	rdns       RDNSLookup
	oui        VendorLookup
	deadline   time.Duration
}

// NewEnricher binds the intel clients under the given whole-record deadline.
func NewEnricher(geo GeoLookup, reputation ReputationLookup, rdns RDNSLookup, oui VendorLookup, deadline time.Duration) *Enricher {
	return &Enricher{
		geo:        geo,
		reputation: reputation,
		rdns:       rdns,
		oui:        oui,
		deadline:   deadline,
	}
}

// Enrich produces the EnrichedRecord for one accepted capture record.
func (e *Enricher) Enrich(ctx context.Context, rec capture.Record) EnrichedRecord {
	logger := zlog.GetLogger()

	enriched := EnrichedRecord{Record: rec}

	if e.oui != nil {
		if mac := firstNonEmpty(rec.DstMAC, rec.SrcMAC); mac != "" {
			enriched.MACVendor = e.oui.Vendor(mac)
		}
	}

	dstIP := net.ParseIP(rec.DstIP)
	if dstIP == nil || !util.IPIsPubliclyRoutable(dstIP) {
		// private destinations get fixed metadata and skip every client
		enriched.Geo = &intel.GeoResult{
			CountryCode: PrivateCountryCode,
			CountryName: PrivateCountryName,
		}
		enriched.EnrichmentPartial = false
		return enriched
	}

	start := time.Now()
	lookupCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	var (
		geoResult intel.GeoResult
		geoErr    error
		repResult intel.ReputationResult
		repErr    error
		hostname  string
	)

	group, groupCtx := errgroup.WithContext(lookupCtx)
	group.Go(func() error {
		geoResult, geoErr = e.geo.Lookup(groupCtx, rec.DstIP)
		return nil
	})
	group.Go(func() error {
		repResult, repErr = e.reputation.Lookup(groupCtx, rec.DstIP)
		return nil
	})
	if e.rdns != nil && e.rdns.Enabled() {
		group.Go(func() error {
			// best effort only
			hostname, _ = e.rdns.Lookup(groupCtx, rec.DstIP)
			return nil
		})
	}
	// lookups never return errors through the group; on deadline expiry the
	// in-flight calls are cancelled and whatever completed is used
	_ = group.Wait()

	enriched.EnrichmentLatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	enriched.RDNS = hostname

	if geoErr == nil {
		enriched.Geo = &geoResult
	} else {
		enriched.EnrichmentPartial = true
		logger.Debug().Err(geoErr).Str("dst_ip", rec.DstIP).Msg("geo lookup failed")
	}

	if repErr == nil {
		enriched.Reputation = &repResult
	} else {
		enriched.EnrichmentPartial = true
		logger.Debug().Err(repErr).Str("dst_ip", rec.DstIP).Msg("reputation lookup failed")
	}

	return enriched
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
