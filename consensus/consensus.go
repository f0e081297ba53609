// Package consensus aggregates the scorers' signed votes into one assessment
// per record. Outlier rejection uses the median absolute deviation, which
// keeps a single misbehaving scorer from dragging the result.
package consensus

import (
	"sort"

	"github.com/cobaltsec/cobaltgraph/enrichment"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/scoring"

	"github.com/montanaflynn/stats"
)

// Method identifies the aggregation rule in stored and exported assessments.
const Method = "median_bft"

// Params are the consensus tuning knobs.
type Params struct {
	MinScorers           int
	OutlierThreshold     float64
	UncertaintyThreshold float64
	MADK                 float64
}

// Assessment is the final verdict for one observed connection. Append-only
// once emitted; votes are kept in full, outliers included, for the audit
// trail.
type Assessment struct {
	DstIP           string         `json:"dst_ip"`
	DstPort         int            `json:"dst_port"`
	Timestamp       float64        `json:"timestamp"`
	ConsensusScore  float64        `json:"consensus_score"`
	Confidence      float64        `json:"confidence"`
	Method          string         `json:"method"`
	Votes           []scoring.Vote `json:"votes"`
	Outliers        []string       `json:"outliers"`
	HighUncertainty bool           `json:"high_uncertainty"`
	ScoreSpread     float64        `json:"score_spread"`
	NumScorers      int            `json:"num_scorers"`
	NumOutliers     int            `json:"num_outliers"`

	// RejectedScorers lists votes discarded for signature failure. Counter
	// material, not part of the persisted assessment.
	RejectedScorers []string `json:"-"`
}

// verifier is the slice of the scorer surface consensus needs.
type verifier interface {
	ID() string
	Verify(vote *scoring.Vote) bool
}

// Engine verifies votes against the scorers' own keys and applies the
// MAD-based aggregation rule. Stateless across records.
type Engine struct {
	params    Params
	verifiers map[string]verifier
}

// NewEngine builds an engine over the given scorers. Votes from unknown
// scorer ids are rejected outright.
func NewEngine(params Params, scorers []scoring.Scorer) *Engine {
	verifiers := make(map[string]verifier, len(scorers))
	for _, s := range scorers {
		verifiers[s.ID()] = s
	}
	return &Engine{params: params, verifiers: verifiers}
}

// Assess runs the full aggregation: signature verification, outlier
// detection, median consensus, confidence and uncertainty. It always emits
// an assessment; insufficient valid votes produce a degraded one.
func (e *Engine) Assess(enriched *enrichment.EnrichedRecord, votes []scoring.Vote) Assessment {
	assessment := Assessment{
		DstIP:     enriched.DstIP,
		DstPort:   enriched.DstPort,
		Timestamp: enriched.Timestamp,
		Method:    Method,
		Outliers:  []string{},
	}

	valid := make([]scoring.Vote, 0, len(votes))
	for i := range votes {
		vote := votes[i]
		v, known := e.verifiers[vote.ScorerID]
		if !known || !v.Verify(&vote) {
			assessment.RejectedScorers = append(assessment.RejectedScorers, vote.ScorerID)
			logger := zlog.GetLogger()
			logger.Warn().
				Str("scorer", vote.ScorerID).
				Str("dst_ip", enriched.DstIP).
				Msg("discarding vote with invalid signature")
			continue
		}
		valid = append(valid, vote)
	}

	assessment.Votes = valid
	// num_scorers counts every vote received, rejected ones included, so
	// num_outliers + kept always equals num_scorers minus the rejections
	assessment.NumScorers = len(votes)

	if len(valid) < e.params.MinScorers {
		return e.degraded(assessment, valid)
	}

	scores := make([]float64, len(valid))
	for i, vote := range valid {
		scores[i] = vote.Score
	}

	median, err := stats.Median(scores)
	if err != nil {
		return e.degraded(assessment, valid)
	}

	deviations := make([]float64, len(scores))
	for i, score := range scores {
		deviations[i] = abs(score - median)
	}
	mad, err := stats.Median(deviations)
	if err != nil {
		return e.degraded(assessment, valid)
	}

	outlierIDs := make(map[string]bool)
	var kept []scoring.Vote
	for i, vote := range valid {
		// MAD of zero disables the scaled criterion and leaves only the
		// absolute threshold; both comparisons are strict
		outlier := deviations[i] > e.params.OutlierThreshold
		if mad > 0 && deviations[i] > e.params.MADK*mad {
			outlier = true
		}
		if outlier {
			outlierIDs[vote.ScorerID] = true
			assessment.Outliers = append(assessment.Outliers, vote.ScorerID)
			continue
		}
		kept = append(kept, vote)
	}
	sort.Strings(assessment.Outliers)
	assessment.NumOutliers = len(outlierIDs)

	keptScores := make([]float64, len(kept))
	var confidenceSum float64
	for i, vote := range kept {
		keptScores[i] = vote.Score
		confidenceSum += vote.Confidence
	}

	consensusScore, err := stats.Median(keptScores)
	if err != nil {
		return e.degraded(assessment, valid)
	}
	assessment.ConsensusScore = consensusScore

	outlierFraction := float64(assessment.NumOutliers) / float64(len(valid))
	assessment.Confidence = (confidenceSum / float64(len(kept))) * (1.0 - outlierFraction)

	assessment.ScoreSpread = spread(keptScores)

	tolerated := (len(valid) - 1) / 3
	assessment.HighUncertainty = assessment.ScoreSpread > e.params.UncertaintyThreshold ||
		assessment.NumOutliers > tolerated ||
		len(kept) < e.params.MinScorers

	return assessment
}

// degraded is the insufficient-votes path: mean of whatever remains, zero
// confidence, uncertainty raised.
func (e *Engine) degraded(assessment Assessment, valid []scoring.Vote) Assessment {
	if len(valid) > 0 {
		scores := make([]float64, len(valid))
		for i, vote := range valid {
			scores[i] = vote.Score
		}
		if mean, err := stats.Mean(scores); err == nil {
			assessment.ConsensusScore = mean
		}
		assessment.ScoreSpread = spread(scores)
	}
	assessment.Confidence = 0.0
	assessment.HighUncertainty = true
	return assessment
}

func spread(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return max - min
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
