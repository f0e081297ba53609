package scoring

import (
	"math"

	"github.com/cobaltsec/cobaltgraph/enrichment"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
)

// Scorer produces one signed vote per enriched record. Score is
// deterministic given (record, scorer internal state), does no I/O, and
// must complete within the per-scorer deadline enforced by the pipeline.
type Scorer interface {
	ID() string
	Score(enriched *enrichment.EnrichedRecord) Vote
	Verify(vote *Vote) bool
}

// signer carries the identity and key shared by every scorer implementation.
type signer struct {
	id  string
	key Key
}

func (s *signer) ID() string { return s.id }

func (s *signer) Verify(vote *Vote) bool {
	return vote.ScorerID == s.id && Verify(vote, s.key)
}

// emit clamps, signs and returns a finished vote.
func (s *signer) emit(timestamp float64, score, confidence float64, rationale map[string]float64) Vote {
	vote := Vote{
		ScorerID:   s.id,
		Score:      clamp01(score),
		Confidence: clamp01(confidence),
		Rationale:  rationale,
		Timestamp:  timestamp,
	}
	Sign(&vote, s.key)
	return vote
}

// missingFeatures is the graceful degradation path: a zero-score,
// zero-confidence vote that names what was absent instead of failing.
func (s *signer) missingFeatures(timestamp float64) Vote {
	return s.emit(timestamp, 0.0, 0.0, map[string]float64{"missing_features": 1})
}

// SelfCheck signs and verifies a canary vote, proving the key material is
// usable before the pipeline starts. The key fingerprint is logged, never
// the key.
func SelfCheck(s Scorer) bool {
	canary := s.Score(&enrichment.EnrichedRecord{})
	ok := s.Verify(&canary)
	if !ok {
		logger := zlog.GetLogger()
		logger.Error().Str("scorer", s.ID()).Msg("canary vote failed self-verification")
	}
	return ok
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
