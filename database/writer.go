package database

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	zlog "github.com/cobaltsec/cobaltgraph/logger"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// retryInterval is the pause before the single write retry.
const retryInterval = 250 * time.Millisecond

type writeJob struct {
	enriched   *enrichment.EnrichedRecord
	assessment *consensus.Assessment
}

// Writer is the single writer goroutine owning all inserts. Each job commits
// the connection row and the assessment row in one transaction; a failed
// write is retried once, then dropped with the store marked degraded.
type Writer struct {
	db        *DB
	queue     chan writeJob
	group     *errgroup.Group
	ctx       context.Context
	onDegrade func()

	degraded     atomic.Bool
	degradations atomic.Uint64
}

// NewWriter builds the writer. onDegrade fires once per transition into the
// degraded state and may be nil.
func NewWriter(db *DB, queueDepth int, onDegrade func()) *Writer {
	group, ctx := errgroup.WithContext(context.Background())
	return &Writer{
		db:        db,
		queue:     make(chan writeJob, queueDepth),
		group:     group,
		ctx:       ctx,
		onDegrade: onDegrade,
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.group.Go(func() error {
		for job := range w.queue {
			w.write(job)
		}
		return nil
	})
}

// Append queues one record for persistence. Blocks when the writer falls
// behind; storage is a designated suspension point.
func (w *Writer) Append(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) {
	w.queue <- writeJob{enriched: enriched, assessment: assessment}
}

// Close drains the queue and waits for the writer goroutine.
func (w *Writer) Close() {
	close(w.queue)
	_ = w.group.Wait()
}

// Degraded reports whether the last write attempt failed persistently.
func (w *Writer) Degraded() bool { return w.degraded.Load() }

// Degradations counts writes dropped after exhausting the retry.
func (w *Writer) Degradations() uint64 { return w.degradations.Load() }

func (w *Writer) write(job writeJob) {
	attempt := func() error {
		return w.insert(job)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), 1)
	err := backoff.Retry(attempt, backoff.WithContext(policy, w.ctx))
	if err != nil {
		w.degradations.Add(1)
		wasDegraded := w.degraded.Swap(true)
		logger := zlog.GetLogger()
		logger.Error().Err(err).
			Str("dst_ip", job.assessment.DstIP).
			Msg("dropping record after failed storage write, storage degraded")
		if !wasDegraded && w.onDegrade != nil {
			w.onDegrade()
		}
		return
	}

	if w.degraded.Swap(false) {
		logger := zlog.GetLogger()
		logger.Info().Msg("storage write succeeded, clearing degraded state")
	}
}

// insert commits both rows in a single transaction; either both land or
// neither does.
func (w *Writer) insert(job writeJob) error {
	enriched, assessment := job.enriched, job.assessment

	votesJSON, err := json.MarshalToString(assessment.Votes)
	if err != nil {
		return backoff.Permanent(err)
	}
	outliersJSON, err := json.MarshalToString(assessment.Outliers)
	if err != nil {
		return backoff.Permanent(err)
	}

	tx, err := w.db.conn.BeginTx(w.ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		countryCode, countryName, asOrg                 sql.NullString
		lat, lon                                        sql.NullFloat64
		asn                                             sql.NullInt64
		vtPositives, vtTotal, abuseScore, maliciousFlag sql.NullInt64
	)
	if geo := enriched.Geo; geo != nil {
		countryCode = sql.NullString{String: geo.CountryCode, Valid: true}
		countryName = sql.NullString{String: geo.CountryName, Valid: true}
		lat = sql.NullFloat64{Float64: geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: geo.Lon, Valid: true}
		asn = sql.NullInt64{Int64: int64(geo.ASN), Valid: true}
		asOrg = sql.NullString{String: geo.ASOrg, Valid: true}
	}
	if rep := enriched.Reputation; rep != nil {
		vtPositives = sql.NullInt64{Int64: int64(rep.VTPositives), Valid: true}
		vtTotal = sql.NullInt64{Int64: int64(rep.VTTotal), Valid: true}
		abuseScore = sql.NullInt64{Int64: int64(rep.AbuseIPDBScore), Valid: true}
		maliciousFlag = sql.NullInt64{Int64: boolInt(rep.IsKnownMalicious), Valid: true}
	}

	if _, err := tx.ExecContext(w.ctx, `
		INSERT INTO connections (
			ts, src_ip, src_port, dst_ip, dst_port, protocol, src_mac, dst_mac,
			mode, country_code, country_name, lat, lon, asn, as_org,
			vt_positives, vt_total, abuseipdb_score, is_known_malicious,
			consensus_score, confidence, high_uncertainty, enrichment_partial
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enriched.Timestamp, enriched.SrcIP, enriched.SrcPort, enriched.DstIP,
		enriched.DstPort, enriched.Protocol, enriched.SrcMAC, enriched.DstMAC,
		enriched.Mode, countryCode, countryName, lat, lon, asn, asOrg,
		vtPositives, vtTotal, abuseScore, maliciousFlag,
		assessment.ConsensusScore, assessment.Confidence,
		boolInt(assessment.HighUncertainty), boolInt(enriched.EnrichmentPartial),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(w.ctx, `
		INSERT INTO consensus_assessments (
			ts, dst_ip, dst_port, consensus_score, confidence, high_uncertainty,
			num_scorers, num_outliers, method, votes_json, outliers_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assessment.Timestamp, assessment.DstIP, assessment.DstPort,
		assessment.ConsensusScore, assessment.Confidence,
		boolInt(assessment.HighUncertainty), assessment.NumScorers,
		assessment.NumOutliers, assessment.Method, votesJSON, outliersJSON,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
