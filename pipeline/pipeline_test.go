package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/database"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/exporter"
	"github.com/cobaltsec/cobaltgraph/intel"
	"github.com/cobaltsec/cobaltgraph/scoring"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource feeds a fixed channel to the pipeline.
type fakeSource struct {
	ch      chan capture.Record
	stopped atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan capture.Record)}
}

func (s *fakeSource) Start(ctx context.Context) (<-chan capture.Record, error) {
	return s.ch, nil
}

func (s *fakeSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

// gatedGeo blocks lookups on a gate channel and counts calls.
type gatedGeo struct {
	calls atomic.Int64
	gate  chan struct{}
}

func (g *gatedGeo) Lookup(ctx context.Context, ip string) (intel.GeoResult, error) {
	g.calls.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
		}
	}
	return intel.GeoResult{CountryCode: "US", ASN: 15169}, nil
}

type stubReputation struct {
	calls atomic.Int64
}

func (r *stubReputation) Lookup(ctx context.Context, ip string) (intel.ReputationResult, error) {
	r.calls.Add(1)
	return intel.ReputationResult{SourcesUsed: []string{"virustotal"}}, nil
}

func testScorersFactory(t *testing.T) func() []scoring.Scorer {
	t.Helper()
	var keys []scoring.Key
	for i := 0; i < 3; i++ {
		key, err := scoring.GenerateKey()
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return func() []scoring.Scorer {
		return []scoring.Scorer{
			scoring.NewStatisticalScorer(keys[0]),
			scoring.NewRuleScorer(keys[1]),
			scoring.NewMLScorer(keys[2], scoring.MLWeights{Bias: -1, Weights: map[string]float64{"abuse_score": 1}}),
		}
	}
}

func testParams() consensus.Params {
	return consensus.Params{
		MinScorers:           2,
		OutlierThreshold:     0.3,
		UncertaintyThreshold: 0.25,
		MADK:                 3.0,
	}
}

func record(dstIP string, ts float64) capture.Record {
	return capture.Record{
		Timestamp: ts,
		SrcIP:     "10.0.0.2",
		SrcPort:   50000,
		DstIP:     dstIP,
		DstPort:   443,
		Protocol:  capture.ProtocolTCP,
		Mode:      capture.ModeDevice,
	}
}

func collectAssessments(feed <-chan Item) []*consensus.Assessment {
	var out []*consensus.Assessment
	for item := range feed {
		if item.Kind == KindAssessment {
			out = append(out, item.Assessment)
		}
	}
	return out
}

func TestPipelineProcessesRecords(t *testing.T) {
	source := newFakeSource()
	geo := &gatedGeo{}
	rep := &stubReputation{}

	p := New(Deps{
		Source:          source,
		Enricher:        enrichment.NewEnricher(geo, rep, nil, nil, time.Second),
		Scorers:         testScorersFactory(t),
		ConsensusParams: testParams(),
		Workers:         2,
	})

	feed, cancel := p.Feed().Subscribe()
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	source.ch <- record("8.8.8.8", 1000.0)
	source.ch <- record("1.1.1.1", 1001.0)
	close(source.ch)
	require.NoError(t, <-done)

	assessments := collectAssessments(feed)
	require.Len(t, assessments, 2)
	for _, a := range assessments {
		assert.Equal(t, consensus.Method, a.Method)
		assert.Equal(t, 3, a.NumScorers)
		assert.Empty(t, a.RejectedScorers)
	}

	counters := p.Counters()
	assert.EqualValues(t, 2, counters.RecordsAccepted)
	assert.EqualValues(t, 0, counters.RecordsDropped)
	assert.True(t, source.stopped.Load())
}

func TestPipelineBackpressureDropsOldest(t *testing.T) {
	source := newFakeSource()
	gate := make(chan struct{})
	geo := &gatedGeo{gate: gate}
	rep := &stubReputation{}

	p := New(Deps{
		Source:          source,
		Enricher:        enrichment.NewEnricher(geo, rep, nil, nil, time.Minute),
		Scorers:         testScorersFactory(t),
		ConsensusParams: testParams(),
		Workers:         1,
		QueueCapacity:   2,
	})

	feed, cancelSub := p.Feed().Subscribe()
	defer cancelSub()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// first record occupies the single worker inside the gated geo lookup
	source.ch <- record("203.0.113.1", 1000.0)
	require.Eventually(t, func() bool { return geo.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// the next four overflow the 2-slot queue; the two oldest queued are
	// displaced
	for i := 1; i < 5; i++ {
		source.ch <- record("203.0.113.1", 1000.0+float64(i))
	}
	close(source.ch)
	close(gate)
	require.NoError(t, <-done)

	counters := p.Counters()
	assert.EqualValues(t, 5, counters.RecordsAccepted)
	assert.EqualValues(t, 2, counters.RecordsDropped)
	assert.Len(t, collectAssessments(feed), 3, "accepted minus dropped records are assessed")
}

func TestPipelinePrivateDestinationSkipsIntel(t *testing.T) {
	source := newFakeSource()
	geo := &gatedGeo{}
	rep := &stubReputation{}

	p := New(Deps{
		Source:          source,
		Enricher:        enrichment.NewEnricher(geo, rep, nil, nil, time.Second),
		Scorers:         testScorersFactory(t),
		ConsensusParams: testParams(),
		Workers:         1,
	})

	feed, cancel := p.Feed().Subscribe()
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	rec := record("192.168.1.5", 1000.0)
	rec.DstPort = 445
	source.ch <- rec
	close(source.ch)
	require.NoError(t, <-done)

	require.Len(t, collectAssessments(feed), 1)
	assert.Zero(t, geo.calls.Load(), "intel clients are never called for private destinations")
	assert.Zero(t, rep.calls.Load())
	assert.Zero(t, p.Counters().EnrichmentPartials)
}

func TestPipelineStorageDegradedKeepsExporting(t *testing.T) {
	source := newFakeSource()
	geo := &gatedGeo{}
	rep := &stubReputation{}

	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	writer := database.NewWriter(db, 4, nil)
	require.NoError(t, db.Close()) // every storage write will now fail

	afs := afero.NewMemMapFs()
	exp, err := exporter.New(afs, "exports", exporter.Options{FlushInterval: time.Hour})
	require.NoError(t, err)

	p := New(Deps{
		Source:          source,
		Enricher:        enrichment.NewEnricher(geo, rep, nil, nil, time.Second),
		Scorers:         testScorersFactory(t),
		ConsensusParams: testParams(),
		Writer:          writer,
		Exporter:        exp,
		Workers:         1,
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	source.ch <- record("8.8.8.8", 1000.0)
	close(source.ch)
	require.NoError(t, <-done)

	assert.True(t, writer.Degraded())
	assert.EqualValues(t, 1, p.Counters().StorageDegradations)
	assert.Equal(t, "degraded", p.health().Storage)

	jsonl, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	assert.NotEmpty(t, jsonl, "assessments keep flowing to the exporter while storage is degraded")
}

// exportedLine is the slice of the JSONL shape these tests compare against
// the stored rows.
type exportedLine struct {
	Timestamp float64 `json:"timestamp"`
	DstIP     string  `json:"dst_ip"`
	Consensus struct {
		ConsensusScore  float64 `json:"consensus_score"`
		Confidence      float64 `json:"confidence"`
		HighUncertainty bool    `json:"high_uncertainty"`
		Metadata        struct {
			NumScorers  int `json:"num_scorers"`
			NumOutliers int `json:"num_outliers"`
		} `json:"metadata"`
	} `json:"consensus"`
}

func TestPipelineOrderAndStorageExportParity(t *testing.T) {
	source := newFakeSource()
	geo := &gatedGeo{}
	rep := &stubReputation{}

	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	writer := database.NewWriter(db, 8, nil)

	afs := afero.NewMemMapFs()
	exp, err := exporter.New(afs, "exports", exporter.Options{FlushInterval: time.Hour})
	require.NoError(t, err)

	p := New(Deps{
		Source:          source,
		Enricher:        enrichment.NewEnricher(geo, rep, nil, nil, time.Second),
		Scorers:         testScorersFactory(t),
		ConsensusParams: testParams(),
		Writer:          writer,
		Exporter:        exp,
		Workers:         2,
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// interleaved destinations with ascending per-destination timestamps
	for i := 0; i < 3; i++ {
		source.ch <- record("8.8.8.8", 1000.0+float64(i))
		source.ch <- record("1.1.1.1", 2000.0+float64(i))
	}
	close(source.ch)
	require.NoError(t, <-done)

	ctx := context.Background()

	// capture order survives into the connections table per destination
	for _, dst := range []string{"8.8.8.8", "1.1.1.1"} {
		conns, err := db.ConnectionsForDst(ctx, dst, 10)
		require.NoError(t, err)
		require.Len(t, conns, 3)
		for i := 1; i < len(conns); i++ {
			assert.Less(t, conns[i-1].Timestamp, conns[i].Timestamp)
		}
	}

	raw, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)

	var lines []exportedLine
	lastTS := make(map[string]float64)
	for _, text := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var line exportedLine
		require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(text), &line))
		// capture order survives into the JSONL file per destination
		assert.Greater(t, line.Timestamp, lastTS[line.DstIP])
		lastTS[line.DstIP] = line.Timestamp
		lines = append(lines, line)
	}
	require.Len(t, lines, 6)

	// the stored row and the JSONL line for one assessment carry identical
	// verdict fields
	for _, line := range lines {
		stored, err := db.AssessmentsForDst(ctx, line.DstIP, 10)
		require.NoError(t, err)

		var row *database.StoredAssessment
		for i := range stored {
			if stored[i].Timestamp == line.Timestamp {
				row = &stored[i]
			}
		}
		require.NotNil(t, row, "every exported line has a stored assessment")

		assert.Equal(t, row.ConsensusScore, line.Consensus.ConsensusScore)
		assert.Equal(t, row.Confidence, line.Consensus.Confidence)
		assert.Equal(t, row.HighUncertainty, line.Consensus.HighUncertainty)
		assert.Equal(t, row.NumScorers, line.Consensus.Metadata.NumScorers)
		assert.Equal(t, row.NumOutliers, line.Consensus.Metadata.NumOutliers)
	}
}

func TestBusFanOutAndLossyness(t *testing.T) {
	bus := NewBus(2)

	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	for i := 0; i < 5; i++ {
		bus.Publish(Item{Kind: KindCounters, Counters: &Snapshot{RecordsAccepted: uint64(i)}})
	}
	bus.Close()

	var firstItems, secondItems []Item
	for item := range first {
		firstItems = append(firstItems, item)
	}
	for item := range second {
		secondItems = append(secondItems, item)
	}

	// depth 2: only the newest two survive per subscriber
	require.Len(t, firstItems, 2)
	require.Len(t, secondItems, 2)
	assert.EqualValues(t, 3, firstItems[0].Counters.RecordsAccepted)
	assert.EqualValues(t, 4, firstItems[1].Counters.RecordsAccepted)
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus(2)
	bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestCollectVotesDeadline(t *testing.T) {
	key, err := scoring.GenerateKey()
	require.NoError(t, err)

	fast := scoring.NewRuleScorer(key)
	slow := &slowScorer{Scorer: scoring.NewMLScorer(key, scoring.MLWeights{Weights: map[string]float64{"x": 1}}), delay: 500 * time.Millisecond}

	runners := []*scorerRunner{{scorer: fast}, {scorer: slow}}
	enriched := &enrichment.EnrichedRecord{Record: record("8.8.8.8", 1000.0), Geo: &intel.GeoResult{CountryCode: "US"}}

	votes := collectVotes(runners, enriched, 50*time.Millisecond)
	require.Len(t, votes, 1, "the slow scorer contributes no vote")
	assert.Equal(t, scoring.ScorerRuleBased, votes[0].ScorerID)

	// the straggler is reaped before its next use, never raced
	votes = collectVotes(runners, enriched, 2*time.Second)
	assert.Len(t, votes, 2)
}

type slowScorer struct {
	scoring.Scorer
	delay time.Duration
}

func (s *slowScorer) Score(enriched *enrichment.EnrichedRecord) scoring.Vote {
	time.Sleep(s.delay)
	return s.Scorer.Score(enriched)
}
