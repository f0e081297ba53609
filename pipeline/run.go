package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/config"
	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/database"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/exporter"
	"github.com/cobaltsec/cobaltgraph/intel"
	zlog "github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/scoring"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Process exit codes.
const (
	ExitSuccess            = 0
	ExitConfigInvalid      = 1
	ExitStorageFailure     = 2
	ExitCaptureUnavailable = 3
)

// Run builds the full pipeline from configuration and drives it until the
// context is cancelled. It is the single entry point the CLI layer calls.
func Run(ctx context.Context, cfg *config.Config) int {
	logger := zlog.GetLogger()
	afs := afero.NewOsFs()

	runID := uuid.New().String()
	logger.Info().Str("run_id", runID).Str("mode", cfg.Mode).Msg("starting cobalt graph")

	weights, err := scoring.LoadMLWeights(afs, cfg.Scorers.ML.WeightsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: scorers.ml.weights_path: %v\n", err)
		return ExitConfigInvalid
	}

	keys, err := resolveScorerKeys(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: scorers.keys: %v\n", err)
		return ExitConfigInvalid
	}

	newScorers := func() []scoring.Scorer {
		return []scoring.Scorer{
			scoring.NewStatisticalScorer(keys.statistical),
			scoring.NewRuleScorer(keys.ruleBased),
			scoring.NewMLScorer(keys.mlBased, weights),
		}
	}

	// canary votes prove the key material signs and verifies before any
	// record flows
	for _, s := range newScorers() {
		if !scoring.SelfCheck(s) {
			fmt.Fprintf(os.Stderr, "invalid configuration: scorer %s failed key self-check\n", s.ID())
			return ExitConfigInvalid
		}
	}

	db, err := database.Open(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal storage error: %v\n", err)
		return ExitStorageFailure
	}
	defer db.Close()
	writer := database.NewWriter(db, 256, nil)

	exp, err := exporter.New(afs, cfg.Export.Dir, exporter.Options{
		BufferSize:    cfg.Export.BufferSize,
		FlushInterval: time.Duration(cfg.Export.FlushIntervalMS) * time.Millisecond,
		JSONLMaxBytes: int64(cfg.Export.JSONLMaxSizeMB) << 20,
		CSVMaxBytes:   int64(cfg.Export.CSVMaxSizeMB) << 20,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal storage error: cannot open export dir %s: %v\n", cfg.Export.Dir, err)
		return ExitStorageFailure
	}

	geo := intel.NewGeoClient(cfg.Intel.Geo.RatePerMin, time.Duration(cfg.Intel.Geo.TimeoutMS)*time.Millisecond)
	vt := intel.NewVTClient(cfg.Intel.VT.APIKey, cfg.Intel.VT.RatePerSec, time.Duration(cfg.Intel.VT.TimeoutMS)*time.Millisecond)
	abuse := intel.NewAbuseClient(cfg.Intel.AbuseIPDB.APIKey, cfg.Intel.AbuseIPDB.RatePerSec, time.Duration(cfg.Intel.AbuseIPDB.TimeoutMS)*time.Millisecond)
	reputation := intel.NewReputationClient(vt, abuse)
	rdns := intel.NewRDNSClient(cfg.Intel.RDNS.Enabled, cfg.Intel.RDNS.Resolver, cfg.Intel.RDNS.RatePerSec, time.Duration(cfg.Intel.RDNS.TimeoutMS)*time.Millisecond)

	oui, err := intel.NewOUITable(afs, cfg.Intel.OUI.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: intel.oui.path: %v\n", err)
		return ExitConfigInvalid
	}

	enricher := enrichment.NewEnricher(geo, reputation, rdns, oui,
		time.Duration(cfg.Enrichment.DeadlineMS)*time.Millisecond)

	var source capture.Source
	switch cfg.Mode {
	case config.ModeNetwork:
		// promiscuous capture needs a platform packet provider; none ships
		// in-tree, so the source reports unavailability at start
		source = capture.NewNetworkSource(cfg.Capture.Interface, nil)
	default:
		source = capture.NewDeviceSource(time.Duration(cfg.Capture.TickMS) * time.Millisecond)
	}

	p := New(Deps{
		Source:   source,
		Enricher: enricher,
		Scorers:  newScorers,
		Writer:   writer,
		Exporter: exp,
		ConsensusParams: consensus.Params{
			MinScorers:           cfg.Consensus.MinScorers,
			OutlierThreshold:     cfg.Consensus.OutlierThreshold,
			UncertaintyThreshold: cfg.Consensus.UncertaintyThreshold,
			MADK:                 cfg.Consensus.MADK,
		},
		IntelStatus: func() (geoStatus, vtStatus, abuseStatus intel.Status) {
			return geo.Status(), reputation.VTStatus(), reputation.AbuseStatus()
		},
		Workers:        cfg.Enrichment.Workers,
		ScorerDeadline: time.Duration(cfg.Scorers.DeadlineMS) * time.Millisecond,
	})

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "capture source failed to start: %v\n", err)
		return ExitCaptureUnavailable
	}

	printSummary(runID, p.Counters())
	return ExitSuccess
}

type scorerKeys struct {
	statistical scoring.Key
	ruleBased   scoring.Key
	mlBased     scoring.Key
}

// resolveScorerKeys parses configured hex keys and generates fresh material
// for any left empty. Only fingerprints are ever logged.
func resolveScorerKeys(cfg *config.Config) (scorerKeys, error) {
	logger := zlog.GetLogger()

	resolve := func(scorerID, hexKey string) (scoring.Key, error) {
		var key scoring.Key
		var err error
		generated := false
		if hexKey == "" {
			key, err = scoring.GenerateKey()
			generated = true
		} else {
			key, err = scoring.ParseKey(hexKey)
		}
		if err != nil {
			return nil, fmt.Errorf("scorer %s: %w", scorerID, err)
		}
		logger.Info().
			Str("scorer", scorerID).
			Str("key_fingerprint", key.Fingerprint()).
			Bool("generated", generated).
			Msg("scorer key loaded")
		return key, nil
	}

	var keys scorerKeys
	var err error
	if keys.statistical, err = resolve(scoring.ScorerStatistical, cfg.Scorers.Keys.Statistical); err != nil {
		return scorerKeys{}, err
	}
	if keys.ruleBased, err = resolve(scoring.ScorerRuleBased, cfg.Scorers.Keys.RuleBased); err != nil {
		return scorerKeys{}, err
	}
	if keys.mlBased, err = resolve(scoring.ScorerMLBased, cfg.Scorers.Keys.MLBased); err != nil {
		return scorerKeys{}, err
	}
	return keys, nil
}

// printSummary writes the end-of-run totals to stderr with grouped digits.
func printSummary(runID string, counters Snapshot) {
	printer := message.NewPrinter(language.English)
	printer.Fprintf(os.Stderr, "run %s finished: %d records accepted, %d dropped, %d enrichment partials, %d vote rejections, %d storage degradations, %d exporter errors\n",
		runID,
		counters.RecordsAccepted,
		counters.RecordsDropped,
		counters.EnrichmentPartials,
		counters.VoteRejections,
		counters.StorageDegradations,
		counters.ExporterErrors,
	)
}
