package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/util"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

// MLWeights is the on-disk model format: a bias plus named feature weights.
// Loading is deterministic; a missing or invalid weights file is a fatal
// configuration error at startup.
type MLWeights struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// defaultMLWeights is the built-in pre-trained model used when no weights
// path is configured.
var defaultMLWeights = MLWeights{
	Bias: -2.2,
	Weights: map[string]float64{
		"port_wellknown":     -0.4,
		"port_registered":    0.1,
		"port_ephemeral":     0.3,
		"proto_tcp":          0.0,
		"proto_udp":          0.2,
		"proto_icmp":         0.4,
		"proto_other":        0.5,
		"country_us":         -0.3,
		"country_de":         -0.2,
		"country_gb":         -0.2,
		"country_nl":         0.1,
		"country_ru":         0.6,
		"country_cn":         0.5,
		"country_kp":         1.5,
		"country_ir":         1.2,
		"country_other":      0.2,
		"vt_ratio":           3.0,
		"abuse_score":        2.2,
		"known_malicious":    1.8,
		"tag_tor":            0.9,
		"asn_unknown":        0.3,
		"partial_enrichment": 0.2,
	},
}

// LoadMLWeights reads and validates a weights file. An empty path selects
// the built-in model.
func LoadMLWeights(afs afero.Fs, path string) (MLWeights, error) {
	if path == "" {
		return defaultMLWeights, nil
	}

	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return MLWeights{}, fmt.Errorf("cannot read ml weights file: %w", err)
	}

	var weights MLWeights
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(contents, &weights); err != nil {
		return MLWeights{}, fmt.Errorf("invalid ml weights file %s: %w", path, err)
	}
	if len(weights.Weights) == 0 {
		return MLWeights{}, fmt.Errorf("ml weights file %s defines no weights", path)
	}
	return weights, nil
}

// MLScorer is a fixed, pre-trained linear model over features derived from
// the enriched record. Weights are loaded once at startup; there is no
// online learning. The score is the sigmoid output and confidence is the
// distance from the decision boundary.
type MLScorer struct {
	signer
	model MLWeights
}

// NewMLScorer builds the scorer from loaded weights.
func NewMLScorer(key Key, model MLWeights) *MLScorer {
	return &MLScorer{
		signer: signer{id: ScorerMLBased, key: key},
		model:  model,
	}
}

// Score computes sigmoid(bias + w·features). Records that carry no
// enrichment at all yield the graceful missing-features vote.
func (s *MLScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched.DstIP == "" {
		return s.missingFeatures(enriched.Timestamp)
	}
	if enriched.Geo == nil && enriched.Reputation == nil {
		return s.missingFeatures(enriched.Timestamp)
	}

	features := s.features(enriched)

	activation := s.model.Bias
	rationale := make(map[string]float64, len(features))
	for name, value := range features {
		if value == 0 {
			continue
		}
		weight := s.model.Weights[name]
		contribution := weight * value
		activation += contribution
		rationale[name] = contribution
	}

	score := sigmoid(activation)
	confidence := math.Abs(score-0.5) * 2

	return s.emit(enriched.Timestamp, score, confidence, rationale)
}

// features derives the model inputs: port bucket, protocol one-hot, top-N
// country one-hot, ASN presence, reputation aggregates.
func (s *MLScorer) features(enriched *enrichment.EnrichedRecord) map[string]float64 {
	features := make(map[string]float64)

	switch {
	case enriched.DstPort < 1024:
		features["port_wellknown"] = 1
	case enriched.DstPort < 49152:
		features["port_registered"] = 1
	default:
		features["port_ephemeral"] = 1
	}

	switch enriched.Protocol {
	case capture.ProtocolTCP:
		features["proto_tcp"] = 1
	case capture.ProtocolUDP:
		features["proto_udp"] = 1
	case capture.ProtocolICMP:
		features["proto_icmp"] = 1
	default:
		features["proto_other"] = 1
	}

	if enriched.Geo != nil && enriched.Geo.CountryCode != "" && enriched.Geo.CountryCode != enrichment.PrivateCountryCode {
		key := "country_" + strings.ToLower(enriched.Geo.CountryCode)
		if _, known := s.model.Weights[key]; known {
			features[key] = 1
		} else {
			features["country_other"] = 1
		}
	}
	if enriched.Geo == nil || enriched.Geo.ASN == 0 {
		features["asn_unknown"] = 1
	}

	if rep := enriched.Reputation; rep != nil {
		if rep.VTTotal > 0 {
			features["vt_ratio"] = float64(rep.VTPositives) / float64(rep.VTTotal)
		}
		features["abuse_score"] = float64(rep.AbuseIPDBScore) / 100.0
		if rep.IsKnownMalicious {
			features["known_malicious"] = 1
		}
		if hasTag(rep.Tags, "tor") {
			features["tag_tor"] = 1
		}
	}

	if enriched.EnrichmentPartial {
		features["partial_enrichment"] = 1
	}

	return features
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
