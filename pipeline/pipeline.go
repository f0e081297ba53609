// Package pipeline binds the capture source to enrichment, scoring,
// consensus, storage, export and the dashboard feed. One capture consumer
// shards records to N enrichment workers by destination, which keeps
// per-destination assessments in timestamp order without a global lock.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/database"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/exporter"
	"github.com/cobaltsec/cobaltgraph/intel"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/scoring"

	"github.com/dchest/siphash"
)

const (
	DefaultQueueCapacity  = 1024
	DefaultWorkers        = 4
	DefaultScorerDeadline = 200 * time.Millisecond
	DefaultDrainTimeout   = 5 * time.Second

	countersInterval = time.Second
)

// shardKey0/1 seed the destination hash. The hash only balances load, so the
// seeds are fixed.
const (
	shardKey0 = 0x736f6d6570736575
	shardKey1 = 0x646f72616e646f6d
)

// IntelStatus reports provider health for the feed. Nil-able in tests.
type IntelStatus func() (geo, vt, abuse intel.Status)

// Deps are the pipeline collaborators, constructed by the launcher and
// injected so tests can substitute any of them.
type Deps struct {
	Source   capture.Source
	Enricher *enrichment.Enricher

	// Scorers builds one scorer set per enrichment worker. Instances share
	// key material but not state, so worker-local baselines need no locks.
	Scorers func() []scoring.Scorer

	Writer   *database.Writer
	Exporter *exporter.Exporter

	ConsensusParams consensus.Params
	IntelStatus     IntelStatus

	QueueCapacity  int
	Workers        int
	ScorerDeadline time.Duration
	DrainTimeout   time.Duration
}

// Pipeline is the running orchestrator.
type Pipeline struct {
	deps     Deps
	bus      *Bus
	counters Counters
}

// New validates and applies defaults to the dependency set.
func New(deps Deps) *Pipeline {
	if deps.QueueCapacity <= 0 {
		deps.QueueCapacity = DefaultQueueCapacity
	}
	if deps.Workers <= 0 {
		deps.Workers = DefaultWorkers
	}
	if deps.ScorerDeadline <= 0 {
		deps.ScorerDeadline = DefaultScorerDeadline
	}
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = DefaultDrainTimeout
	}
	return &Pipeline{
		deps: deps,
		bus:  NewBus(DefaultSubscriberDepth),
	}
}

// Feed exposes the dashboard bus.
func (p *Pipeline) Feed() *Bus { return p.bus }

// Counters returns the current tallies.
func (p *Pipeline) Counters() Snapshot {
	var storageDegradations, exporterErrors uint64
	if p.deps.Writer != nil {
		storageDegradations = p.deps.Writer.Degradations()
	}
	if p.deps.Exporter != nil {
		exporterErrors = p.deps.Exporter.Errors()
	}
	return p.counters.snapshot(storageDegradations, exporterErrors)
}

// Run starts the capture source and processes records until the context is
// cancelled or the source closes its stream. The returned error is non-nil
// only when the source fails to start.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := zlog.GetLogger()

	records, err := p.deps.Source.Start(ctx)
	if err != nil {
		return err
	}

	if p.deps.Writer != nil {
		p.deps.Writer.Start()
	}

	// per-worker queues; drop-oldest on overflow keeps recent signal fresh
	// under bursts
	perWorker := p.deps.QueueCapacity / p.deps.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	queues := make([]chan capture.Record, p.deps.Workers)
	for i := range queues {
		queues[i] = make(chan capture.Record, perWorker)
	}

	var workers sync.WaitGroup
	for i := range queues {
		workers.Add(1)
		go func(queue <-chan capture.Record) {
			defer workers.Done()
			p.worker(ctx, queue)
		}(queues[i])
	}

	stopTicker := make(chan struct{})
	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		p.publishLoop(stopTicker)
	}()

	// capture consumer: shard by destination so one worker owns each dst_ip
	for {
		var rec capture.Record
		var ok bool
		select {
		case <-ctx.Done():
			ok = false
		case rec, ok = <-records:
		}
		if !ok {
			break
		}
		if !rec.Valid() {
			continue
		}
		p.counters.accepted.Add(1)
		shard := siphash.Hash(shardKey0, shardKey1, []byte(rec.DstIP)) % uint64(p.deps.Workers)
		p.enqueue(queues[shard], rec)
	}

	// shutdown runs in reverse dependency order: capture first, then a
	// bounded drain of the workers, then storage and exporter
	_ = p.deps.Source.Stop()
	for i := range queues {
		close(queues[i])
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.deps.DrainTimeout):
		logger.Warn().Dur("timeout", p.deps.DrainTimeout).Msg("shutdown drain deadline expired with workers still busy")
	}

	close(stopTicker)
	ticker.Wait()

	if p.deps.Writer != nil {
		p.deps.Writer.Close()
	}
	if p.deps.Exporter != nil {
		p.deps.Exporter.Close()
	}

	p.bus.Publish(Item{Kind: KindCounters, Counters: snapshotPtr(p.Counters())})
	p.bus.Close()
	return nil
}

// enqueue pushes with the drop-oldest overflow policy.
func (p *Pipeline) enqueue(queue chan capture.Record, rec capture.Record) {
	for {
		select {
		case queue <- rec:
			return
		default:
		}
		select {
		case <-queue:
			p.counters.dropped.Add(1)
		default:
		}
	}
}

// worker owns one shard: enrichment, scoring, consensus, then the fan-out to
// storage, exporter and feed.
func (p *Pipeline) worker(ctx context.Context, queue <-chan capture.Record) {
	scorers := p.deps.Scorers()
	engine := consensus.NewEngine(p.deps.ConsensusParams, scorers)
	runners := make([]*scorerRunner, len(scorers))
	for i, s := range scorers {
		runners[i] = &scorerRunner{scorer: s}
	}

	for rec := range queue {
		enriched := p.deps.Enricher.Enrich(ctx, rec)
		if enriched.EnrichmentPartial {
			p.counters.enrichmentPartials.Add(1)
		}

		votes := collectVotes(runners, &enriched, p.deps.ScorerDeadline)
		assessment := engine.Assess(&enriched, votes)
		p.counters.voteRejections.Add(uint64(len(assessment.RejectedScorers)))

		if p.deps.Writer != nil {
			p.deps.Writer.Append(&enriched, &assessment)
		}
		if p.deps.Exporter != nil {
			p.deps.Exporter.Publish(&enriched, &assessment)
		}
		p.bus.Publish(Item{Kind: KindAssessment, Assessment: &assessment})
	}
}

// publishLoop pushes counters and health items on a fixed interval.
func (p *Pipeline) publishLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(countersInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.bus.Publish(Item{Kind: KindCounters, Counters: snapshotPtr(p.Counters())})
			health := p.health()
			p.bus.Publish(Item{Kind: KindHealth, Health: &health})
		}
	}
}

func (p *Pipeline) health() Health {
	h := Health{
		Storage:       "ok",
		ExporterJSONL: "ok",
		ExporterCSV:   "ok",
		IntelGeo:      string(intel.StatusOK),
		IntelVT:       string(intel.StatusOK),
		IntelAbuse:    string(intel.StatusOK),
	}
	if p.deps.Writer != nil && p.deps.Writer.Degraded() {
		h.Storage = "degraded"
	}
	if p.deps.Exporter != nil {
		if p.deps.Exporter.JSONLDegraded() {
			h.ExporterJSONL = "degraded"
		}
		if p.deps.Exporter.CSVDegraded() {
			h.ExporterCSV = "degraded"
		}
	}
	if p.deps.IntelStatus != nil {
		geo, vt, abuse := p.deps.IntelStatus()
		h.IntelGeo = string(geo)
		h.IntelVT = string(vt)
		h.IntelAbuse = string(abuse)
	}
	return h
}

func snapshotPtr(s Snapshot) *Snapshot { return &s }

// scorerRunner runs one scorer asynchronously per record. A timed-out score
// call is abandoned for that record but reaped before the scorer is used
// again, so worker-local scorer state is never touched concurrently.
type scorerRunner struct {
	scorer  scoring.Scorer
	pending chan scoring.Vote
}

func (r *scorerRunner) start(enriched *enrichment.EnrichedRecord) {
	r.reap()
	pending := make(chan scoring.Vote, 1)
	go func() {
		pending <- r.scorer.Score(enriched)
	}()
	r.pending = pending
}

func (r *scorerRunner) reap() {
	if r.pending != nil {
		<-r.pending
		r.pending = nil
	}
}

// collectVotes drives all scorers in parallel under one shared deadline.
// A scorer that misses the deadline contributes no vote.
func collectVotes(runners []*scorerRunner, enriched *enrichment.EnrichedRecord, deadline time.Duration) []scoring.Vote {
	logger := zlog.GetLogger()

	for _, r := range runners {
		r.start(enriched)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	votes := make([]scoring.Vote, 0, len(runners))
	for i, r := range runners {
		select {
		case vote := <-r.pending:
			r.pending = nil
			votes = append(votes, vote)
		case <-timer.C:
			// deadline expired: take whatever already finished, leave the
			// stragglers to be reaped before their next use
			for _, straggler := range runners[i:] {
				select {
				case vote := <-straggler.pending:
					straggler.pending = nil
					votes = append(votes, vote)
				default:
					logger.Warn().Str("scorer", straggler.scorer.ID()).Str("dst_ip", enriched.DstIP).Msg("scorer missed deadline, proceeding without its vote")
				}
			}
			return votes
		}
	}
	return votes
}
