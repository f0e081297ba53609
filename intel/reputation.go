package intel

import (
	"context"
	"errors"
	"sync"
)

// Malicious verdict thresholds. An IP is flagged when either provider
// crosses its threshold.
const (
	vtPositivesThreshold = 3
	abuseScoreThreshold  = 75
)

// ReputationClient fans out to VirusTotal and AbuseIPDB and merges their
// verdicts. Providers with missing credentials are simply absent from
// SourcesUsed; the aggregate is still produced from whatever contributed.
type ReputationClient struct {
	vt    *VTClient
	abuse *AbuseClient
}

// NewReputationClient builds the aggregator over the two providers.
func NewReputationClient(vt *VTClient, abuse *AbuseClient) *ReputationClient {
	return &ReputationClient{vt: vt, abuse: abuse}
}

// Lookup queries both providers in parallel and aggregates.
// is_known_malicious = (vt_positives >= 3) OR (abuseipdb_score >= 75).
// An error is returned only when every enabled provider failed.
func (c *ReputationClient) Lookup(ctx context.Context, ip string) (ReputationResult, error) {
	var (
		wg       sync.WaitGroup
		vtRes    vtResult
		vtErr    error
		abuseRes abuseResult
		abuseErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vtRes, vtErr = c.vt.lookup(ctx, ip)
	}()
	go func() {
		defer wg.Done()
		abuseRes, abuseErr = c.abuse.lookup(ctx, ip)
	}()
	wg.Wait()

	var result ReputationResult

	if vtErr == nil && c.vt.Enabled() {
		result.VTPositives = vtRes.Positives
		result.VTTotal = vtRes.Total
		result.Tags = append(result.Tags, vtRes.Tags...)
		result.SourcesUsed = append(result.SourcesUsed, "virustotal")
	}

	if abuseErr == nil && c.abuse.Enabled() {
		result.AbuseIPDBScore = abuseRes.ConfidenceScore
		if abuseRes.IsTor {
			result.Tags = append(result.Tags, "tor")
		}
		result.SourcesUsed = append(result.SourcesUsed, "abuseipdb")
	}

	result.IsKnownMalicious = result.VTPositives >= vtPositivesThreshold ||
		result.AbuseIPDBScore >= abuseScoreThreshold

	// disabled providers are not failures; only surface an error when no
	// enabled provider produced data
	if len(result.SourcesUsed) == 0 {
		if vtErr != nil && !errors.Is(vtErr, ErrClientDisabled) {
			return result, vtErr
		}
		if abuseErr != nil && !errors.Is(abuseErr, ErrClientDisabled) {
			return result, abuseErr
		}
	}
	return result, nil
}

// VTStatus reports VirusTotal provider health.
func (c *ReputationClient) VTStatus() Status { return c.vt.Status() }

// AbuseStatus reports AbuseIPDB provider health.
func (c *ReputationClient) AbuseStatus() Status { return c.abuse.Status() }
