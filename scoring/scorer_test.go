package scoring

import (
	"testing"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/intel"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enriched(dstIP string, dstPort int, geo *intel.GeoResult, rep *intel.ReputationResult) *enrichment.EnrichedRecord {
	return &enrichment.EnrichedRecord{
		Record: capture.Record{
			Timestamp: 1_000_000.0,
			SrcIP:     "10.0.0.2",
			DstIP:     dstIP,
			SrcPort:   54321,
			DstPort:   dstPort,
			Protocol:  capture.ProtocolTCP,
			Mode:      capture.ModeDevice,
		},
		Geo:        geo,
		Reputation: rep,
	}
}

func cleanGoogle() *enrichment.EnrichedRecord {
	return enriched("8.8.8.8", 443,
		&intel.GeoResult{CountryCode: "US", CountryName: "United States", ASN: 15169, ASOrg: "GOOGLE"},
		&intel.ReputationResult{VTTotal: 70, SourcesUsed: []string{"virustotal", "abuseipdb"}})
}

func torExit() *enrichment.EnrichedRecord {
	return enriched("185.220.101.1", 9001,
		&intel.GeoResult{CountryCode: "DE", ASN: 205100},
		&intel.ReputationResult{AbuseIPDBScore: 90, IsKnownMalicious: true, Tags: []string{"tor"}, SourcesUsed: []string{"abuseipdb"}})
}

func TestStatisticalScorerColdStart(t *testing.T) {
	scorer := NewStatisticalScorer(testKey(t))

	vote := scorer.Score(cleanGoogle())
	assert.LessOrEqual(t, vote.Confidence, 0.3, "cold-start confidence is capped")
	assert.Equal(t, 1.0, vote.Score, "everything is novel on an empty window")
	assert.True(t, scorer.Verify(&vote))
}

func TestStatisticalScorerBaselineLearning(t *testing.T) {
	scorer := NewStatisticalScorer(testKey(t))

	// repeated observations of the same destination drive its rarity down
	var last Vote
	for i := 0; i < 50; i++ {
		last = scorer.Score(cleanGoogle())
	}
	assert.Less(t, last.Score, 0.3, "a dominant pattern is no longer anomalous")

	// a never-before-seen port/country/ASN stands out against the baseline
	novel := enriched("203.0.113.50", 31337,
		&intel.GeoResult{CountryCode: "KP", ASN: 131279}, nil)
	vote := scorer.Score(novel)
	assert.Greater(t, vote.Score, 0.9)
	assert.Greater(t, vote.Score, last.Score)
}

func TestStatisticalScorerConfidenceRisesWithFill(t *testing.T) {
	scorer := NewStatisticalScorer(testKey(t))

	early := scorer.Score(cleanGoogle())
	for i := 0; i < statWindowFill; i++ {
		scorer.Score(cleanGoogle())
	}
	late := scorer.Score(cleanGoogle())

	assert.Greater(t, late.Confidence, early.Confidence)
	assert.LessOrEqual(t, late.Confidence, maxStatConfidence)
}

func TestStatisticalScorerMissingFeatures(t *testing.T) {
	scorer := NewStatisticalScorer(testKey(t))
	vote := scorer.Score(&enrichment.EnrichedRecord{})

	assert.Equal(t, 0.0, vote.Score)
	assert.Equal(t, 0.0, vote.Confidence)
	assert.Contains(t, vote.Rationale, "missing_features")
	assert.True(t, scorer.Verify(&vote))
}

func TestRuleScorerCleanRecord(t *testing.T) {
	scorer := NewRuleScorer(testKey(t))
	vote := scorer.Score(cleanGoogle())

	assert.Equal(t, 0.0, vote.Score)
	assert.Equal(t, 0.5, vote.Confidence)
	assert.Contains(t, vote.Rationale, "no_rules_matched")
}

func TestRuleScorerTorExit(t *testing.T) {
	scorer := NewRuleScorer(testKey(t))
	vote := scorer.Score(torExit())

	// known_malicious + tor_exit + suspicious_port(9001)
	assert.Contains(t, vote.Rationale, "known_malicious")
	assert.Contains(t, vote.Rationale, "tor_exit")
	assert.Contains(t, vote.Rationale, "suspicious_port")
	assert.InDelta(t, 1.0, vote.Score, 1e-9, "additive weights are clipped at 1.0")
	assert.Greater(t, vote.Confidence, 0.9)
}

func TestRuleScorerHighRiskCountry(t *testing.T) {
	scorer := NewRuleScorer(testKey(t))

	rec := enriched("175.45.176.1", 80, &intel.GeoResult{CountryCode: "KP"}, &intel.ReputationResult{})
	vote := scorer.Score(rec)

	assert.Contains(t, vote.Rationale, "high_risk_country")
	assert.InDelta(t, 0.30, vote.Score, 1e-9)
}

func TestRuleScorerLateralMovement(t *testing.T) {
	scorer := NewRuleScorer(testKey(t))

	rec := enriched("203.0.113.10", 445, &intel.GeoResult{CountryCode: "US"}, &intel.ReputationResult{})
	vote := scorer.Score(rec)

	assert.Contains(t, vote.Rationale, "lateral_smb_rdp")
	assert.Contains(t, vote.Rationale, "suspicious_port")
}

func TestRuleScorerHalfOpenSyn(t *testing.T) {
	scorer := NewRuleScorer(testKey(t))

	rec := enriched("203.0.113.10", 8080, &intel.GeoResult{CountryCode: "US"}, &intel.ReputationResult{})
	rec.RawFlags = capture.FlagSynSent
	vote := scorer.Score(rec)
	assert.Contains(t, vote.Rationale, "half_open_syn")
	assert.InDelta(t, 0.15, vote.Score, 1e-9)

	// an established connection to the same endpoint matches nothing
	rec.RawFlags = capture.FlagEstablished
	vote = scorer.Score(rec)
	assert.Contains(t, vote.Rationale, "no_rules_matched")
}

func TestMLScorerCleanVsMalicious(t *testing.T) {
	scorer := NewMLScorer(testKey(t), defaultMLWeights)

	clean := scorer.Score(cleanGoogle())
	malicious := scorer.Score(torExit())

	assert.Less(t, clean.Score, 0.5)
	assert.Greater(t, malicious.Score, clean.Score)
	assert.InDelta(t, (0.5-clean.Score)*2, clean.Confidence, 1e-9, "confidence = |score-0.5|*2")
}

func TestMLScorerMissingEnrichment(t *testing.T) {
	scorer := NewMLScorer(testKey(t), defaultMLWeights)

	vote := scorer.Score(enriched("8.8.8.8", 443, nil, nil))
	assert.Equal(t, 0.0, vote.Score)
	assert.Equal(t, 0.0, vote.Confidence)
	assert.Contains(t, vote.Rationale, "missing_features")
}

func TestMLScorerDeterministic(t *testing.T) {
	scorer := NewMLScorer(testKey(t), defaultMLWeights)

	first := scorer.Score(torExit())
	second := scorer.Score(torExit())
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Rationale, second.Rationale)
}

func TestLoadMLWeights(t *testing.T) {
	afs := afero.NewMemMapFs()

	// empty path selects the builtin model
	model, err := LoadMLWeights(afs, "")
	require.NoError(t, err)
	assert.NotEmpty(t, model.Weights)

	// valid file
	require.NoError(t, afero.WriteFile(afs, "/weights.json", []byte(`{"bias": -1.0, "weights": {"vt_ratio": 2.0}}`), 0o644))
	model, err = LoadMLWeights(afs, "/weights.json")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, model.Bias, 1e-9)

	// missing file is a startup error
	_, err = LoadMLWeights(afs, "/missing.json")
	assert.Error(t, err)

	// invalid JSON is a startup error
	require.NoError(t, afero.WriteFile(afs, "/bad.json", []byte(`{not json`), 0o644))
	_, err = LoadMLWeights(afs, "/bad.json")
	assert.Error(t, err)

	// a file with no weights is a startup error
	require.NoError(t, afero.WriteFile(afs, "/empty.json", []byte(`{"bias": 0}`), 0o644))
	_, err = LoadMLWeights(afs, "/empty.json")
	assert.Error(t, err)
}

func TestSelfCheck(t *testing.T) {
	assert.True(t, SelfCheck(NewStatisticalScorer(testKey(t))))
	assert.True(t, SelfCheck(NewRuleScorer(testKey(t))))
	assert.True(t, SelfCheck(NewMLScorer(testKey(t), defaultMLWeights)))
}
