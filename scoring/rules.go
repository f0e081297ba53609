package scoring

import (
	"net"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/util"
)

// Rule is one entry in the ordered rule list. Weight is additive; the final
// score is the clipped sum of matched weights. Specificity feeds the fixed
// confidence function: broad port heuristics are less specific than a
// reputation-backed verdict.
type Rule struct {
	Name        string
	Weight      float64
	Specificity float64 // [0,1]
	Match       func(enriched *enrichment.EnrichedRecord) bool
}

// highRiskCountries are destinations that warrant extra scrutiny.
var highRiskCountries = map[string]bool{
	"KP": true,
	"IR": true,
	"SY": true,
	"CU": true,
}

// suspiciousPorts covers common C2, scanning and remote-access targets.
var suspiciousPorts = map[int]bool{
	23:    true, // telnet
	445:   true, // SMB
	1080:  true, // SOCKS
	3389:  true, // RDP
	4444:  true, // metasploit default
	5900:  true, // VNC
	6667:  true, // IRC
	9001:  true, // Tor OR
	9050:  true, // Tor SOCKS
	31337: true,
}

// DefaultRules returns the ordered rule list applied by the rule-based
// scorer.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "known_malicious",
			Weight:      0.55,
			Specificity: 1.0,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return e.Reputation != nil && e.Reputation.IsKnownMalicious
			},
		},
		{
			Name:        "tor_exit",
			Weight:      0.25,
			Specificity: 0.9,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return e.Reputation != nil && hasTag(e.Reputation.Tags, "tor")
			},
		},
		{
			Name:        "vpn_or_proxy",
			Weight:      0.15,
			Specificity: 0.7,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return e.Reputation != nil && (hasTag(e.Reputation.Tags, "vpn") || hasTag(e.Reputation.Tags, "proxy"))
			},
		},
		{
			Name:        "high_risk_country",
			Weight:      0.30,
			Specificity: 0.8,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return e.Geo != nil && highRiskCountries[e.Geo.CountryCode]
			},
		},
		{
			Name:        "suspicious_port",
			Weight:      0.20,
			Specificity: 0.5,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return suspiciousPorts[e.DstPort]
			},
		},
		{
			Name:        "lateral_smb_rdp",
			Weight:      0.15,
			Specificity: 0.6,
			Match: func(e *enrichment.EnrichedRecord) bool {
				// private source reaching a public SMB/RDP endpoint
				if e.DstPort != 445 && e.DstPort != 3389 {
					return false
				}
				src := net.ParseIP(e.SrcIP)
				dst := net.ParseIP(e.DstIP)
				return src != nil && dst != nil &&
					!util.IPIsPubliclyRoutable(src) && util.IPIsPubliclyRoutable(dst)
			},
		},
		{
			Name:        "half_open_syn",
			Weight:      0.15,
			Specificity: 0.4,
			Match: func(e *enrichment.EnrichedRecord) bool {
				// outbound SYN with no establishment, the shape of a scan
				return e.Protocol == capture.ProtocolTCP &&
					e.RawFlags&capture.FlagSynSent != 0 &&
					e.RawFlags&capture.FlagEstablished == 0
			},
		},
		{
			Name:        "nonstandard_udp_high_port",
			Weight:      0.10,
			Specificity: 0.3,
			Match: func(e *enrichment.EnrichedRecord) bool {
				return e.Protocol == capture.ProtocolUDP && e.DstPort > 30000
			},
		},
	}
}

// RuleScorer applies the ordered rule list over destination port, protocol,
// country, ASN and reputation features. Stateless between records.
type RuleScorer struct {
	signer
	rules []Rule
}

// NewRuleScorer returns a rule-based scorer with the default rule list.
func NewRuleScorer(key Key) *RuleScorer {
	return &RuleScorer{
		signer: signer{id: ScorerRuleBased, key: key},
		rules:  DefaultRules(),
	}
}

// Score sums the weights of matched rules into a clipped [0,1] score.
// Confidence is a fixed function of the number and specificity of matched
// rules.
func (s *RuleScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched.DstIP == "" {
		return s.missingFeatures(enriched.Timestamp)
	}

	var sum float64
	var matches int
	var maxSpecificity float64
	rationale := make(map[string]float64)

	for _, rule := range s.rules {
		if rule.Match(enriched) {
			sum += rule.Weight
			matches++
			rationale[rule.Name] = rule.Weight
			if rule.Specificity > maxSpecificity {
				maxSpecificity = rule.Specificity
			}
		}
	}

	confidence := ruleConfidence(matches, maxSpecificity)
	if matches == 0 {
		rationale["no_rules_matched"] = 0
	}

	return s.emit(enriched.Timestamp, sum, confidence, rationale)
}

// ruleConfidence: a clean record (no matches) is a moderately confident
// verdict; each additional match and higher specificity raise confidence.
func ruleConfidence(matches int, maxSpecificity float64) float64 {
	if matches == 0 {
		return 0.5
	}
	confidence := 0.4 + 0.1*float64(matches) + 0.3*maxSpecificity
	return clamp01(confidence)
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
