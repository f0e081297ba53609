package scoring

import (
	"github.com/cobaltsec/cobaltgraph/enrichment"

	"github.com/montanaflynn/stats"
)

const (
	// ewmaAlpha weights new observations in the rolling baselines.
	ewmaAlpha = 0.05

	// statWindowFill is the observation count at which confidence saturates.
	statWindowFill = 200

	// coldStartConfidence caps confidence until the window begins to fill.
	coldStartConfidence = 0.3

	maxStatConfidence = 0.9
)

// StatisticalScorer maintains exponentially weighted baselines of per-port,
// per-country and per-ASN connection frequencies from its own observation
// window and scores each record by its deviation from those baselines.
//
// State is mutated only by the owning enrichment worker (destinations are
// sharded to workers), so no lock is needed.
type StatisticalScorer struct {
	signer

	portWeight    map[int]float64
	countryWeight map[string]float64
	asnWeight     map[int]float64
	total         float64
	observations  int
}

// NewStatisticalScorer returns a statistical scorer with an empty window.
func NewStatisticalScorer(key Key) *StatisticalScorer {
	return &StatisticalScorer{
		signer:        signer{id: ScorerStatistical, key: key},
		portWeight:    make(map[int]float64),
		countryWeight: make(map[string]float64),
		asnWeight:     make(map[int]float64),
	}
}

// Score rates a record by how unusual its destination port, country and ASN
// are relative to the rolling baselines, then folds the observation into
// the window.
func (s *StatisticalScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched.DstIP == "" {
		return s.missingFeatures(enriched.Timestamp)
	}

	var country string
	var asn int
	if enriched.Geo != nil {
		country = enriched.Geo.CountryCode
		asn = enriched.Geo.ASN
	}

	// rarity of each feature before this observation is folded in
	rarities := []float64{s.rarity(s.portWeight[enriched.DstPort])}
	rationale := map[string]float64{
		"port_rarity": rarities[0],
	}
	if country != "" {
		rarity := s.rarity(s.countryWeight[country])
		rarities = append(rarities, rarity)
		rationale["country_rarity"] = rarity
	}
	if asn != 0 {
		rarity := s.rarity(s.asnWeight[asn])
		rarities = append(rarities, rarity)
		rationale["asn_rarity"] = rarity
	}

	score, err := stats.Mean(rarities)
	if err != nil {
		return s.missingFeatures(enriched.Timestamp)
	}
	rationale["observations"] = float64(s.observations)

	confidence := s.confidence()
	s.observe(enriched.DstPort, country, asn)

	return s.emit(enriched.Timestamp, score, confidence, rationale)
}

// rarity maps a baseline weight to an anomaly contribution: a feature never
// seen before scores 1.0, the dominant feature scores near 0.
func (s *StatisticalScorer) rarity(weight float64) float64 {
	if s.total == 0 {
		// empty window: everything is novel
		return 1.0
	}
	return clamp01(1.0 - weight/s.total)
}

// confidence rises with window fill and stays at or below the cold-start
// cap until the window holds enough observations to trust.
func (s *StatisticalScorer) confidence() float64 {
	fill := float64(s.observations) / statWindowFill
	if fill >= 1 {
		return maxStatConfidence
	}
	confidence := fill * maxStatConfidence
	if s.observations < statWindowFill/10 {
		if confidence > coldStartConfidence {
			confidence = coldStartConfidence
		}
	}
	return confidence
}

// observe folds one record into the EWMA baselines.
func (s *StatisticalScorer) observe(port int, country string, asn int) {
	decay := 1.0 - ewmaAlpha
	for p := range s.portWeight {
		s.portWeight[p] *= decay
	}
	for c := range s.countryWeight {
		s.countryWeight[c] *= decay
	}
	for a := range s.asnWeight {
		s.asnWeight[a] *= decay
	}
	s.total = s.total*decay + 1.0

	s.portWeight[port] += 1.0
	if country != "" {
		s.countryWeight[country] += 1.0
	}
	if asn != 0 {
		s.asnWeight[asn] += 1.0
	}
	s.observations++

	// bound the maps; EWMA decay makes stale entries negligible
	const maxEntries = 4096
	if len(s.portWeight) > maxEntries {
		pruneSmallest(s.portWeight)
	}
	if len(s.asnWeight) > maxEntries {
		pruneSmallest(s.asnWeight)
	}
}

func pruneSmallest[K comparable](m map[K]float64) {
	const threshold = 0.01
	for k, v := range m {
		if v < threshold {
			delete(m, k)
		}
	}
}

// Observations exposes the window fill for diagnostics.
func (s *StatisticalScorer) Observations() int { return s.observations }
