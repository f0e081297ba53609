package exporter

import (
	"strings"
	"testing"
	"time"

	"github.com/cobaltsec/cobaltgraph/capture"
	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/intel"
	"github.com/cobaltsec/cobaltgraph/scoring"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(t *testing.T, dstIP string, ts float64) (*enrichment.EnrichedRecord, *consensus.Assessment) {
	t.Helper()
	key, err := scoring.GenerateKey()
	require.NoError(t, err)

	vote := scoring.Vote{ScorerID: scoring.ScorerRuleBased, Score: 0.2, Confidence: 0.6, Timestamp: ts}
	scoring.Sign(&vote, key)

	enriched := &enrichment.EnrichedRecord{
		Record: capture.Record{
			Timestamp: ts,
			SrcIP:     "10.0.0.2",
			DstIP:     dstIP,
			DstPort:   443,
			Protocol:  capture.ProtocolTCP,
		},
		Geo: &intel.GeoResult{CountryCode: "US", ASN: 15169, ASOrg: "Google, LLC"},
	}
	assessment := &consensus.Assessment{
		DstIP:          dstIP,
		DstPort:        443,
		Timestamp:      ts,
		ConsensusScore: 0.2,
		Confidence:     0.6,
		Method:         consensus.Method,
		Votes:          []scoring.Vote{vote},
		Outliers:       []string{},
		NumScorers:     1,
	}
	return enriched, assessment
}

func newTestExporter(t *testing.T, afs afero.Fs, opts Options) *Exporter {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour // tests flush explicitly
	}
	e, err := New(afs, "exports", opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestExportWritesBothSinks(t *testing.T) {
	afs := afero.NewMemMapFs()
	e := newTestExporter(t, afs, Options{})

	e.Publish(testEntry(t, "8.8.8.8", 1000.5))
	e.Flush()

	jsonlData, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(jsonlData)), "\n")
	require.Len(t, lines, 1)

	var line jsonlLine
	require.NoError(t, json.UnmarshalFromString(lines[0], &line))
	assert.Equal(t, "8.8.8.8", line.DstIP)
	assert.Equal(t, 1000.5, line.Timestamp)
	assert.Equal(t, consensus.Method, line.Consensus.Method)
	assert.Equal(t, 1, line.Consensus.Metadata.NumScorers)
	require.Len(t, line.Consensus.Votes, 1)
	assert.NotEmpty(t, line.Consensus.Votes[0].Signature)

	csvData, err := afero.ReadFile(afs, "exports/summary.csv")
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Contains(t, rows[1], "8.8.8.8")
	assert.Contains(t, rows[1], `"Google, LLC"`, "org names with commas are quoted")
	assert.Contains(t, rows[1], "false")
}

func TestExportFlushesOnFullBuffer(t *testing.T) {
	afs := afero.NewMemMapFs()
	e := newTestExporter(t, afs, Options{BufferSize: 2})

	e.Publish(testEntry(t, "8.8.8.8", 1000.0))

	data, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	assert.Empty(t, data, "below the buffer threshold nothing is written")

	e.Publish(testEntry(t, "8.8.4.4", 1001.0))

	data, err = afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestJSONLRotatesOnSize(t *testing.T) {
	afs := afero.NewMemMapFs()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e := newTestExporter(t, afs, Options{JSONLMaxBytes: 400, Now: func() time.Time { return now }})

	for i := 0; i < 4; i++ {
		e.Publish(testEntry(t, "8.8.8.8", float64(1000+i)))
		e.Flush()
	}

	rotated, err := afero.ReadFile(afs, "exports/assessments.20260825-120000.jsonl")
	require.NoError(t, err, "rotation renames the live file with a timestamp suffix")
	assert.NotEmpty(t, rotated)

	live, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	assert.NotEmpty(t, live)
}

func TestJSONLRotatesOnDateChange(t *testing.T) {
	afs := afero.NewMemMapFs()
	now := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	e := newTestExporter(t, afs, Options{Now: func() time.Time { return now }})

	e.Publish(testEntry(t, "8.8.8.8", 1000.0))
	e.Flush()

	now = now.Add(2 * time.Minute) // crosses midnight
	e.Publish(testEntry(t, "8.8.8.8", 1001.0))
	e.Flush()

	_, err := afs.Stat("exports/assessments.20260826-000100.jsonl")
	require.NoError(t, err)
}

func TestCSVRotationKeepsHeader(t *testing.T) {
	afs := afero.NewMemMapFs()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e := newTestExporter(t, afs, Options{CSVMaxBytes: 250, Now: func() time.Time { return now }})

	for i := 0; i < 5; i++ {
		e.Publish(testEntry(t, "8.8.8.8", float64(1000+i)))
		e.Flush()
	}

	live, err := afero.ReadFile(afs, "exports/summary.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(live), csvHeader+"\n"), "every rotated-in csv starts with the header")
}

func TestCloseFlushesRemainder(t *testing.T) {
	afs := afero.NewMemMapFs()
	e := newTestExporter(t, afs, Options{BufferSize: 100})

	e.Publish(testEntry(t, "8.8.8.8", 1000.0))
	e.Close()

	data, err := afero.ReadFile(afs, "exports/assessments.jsonl")
	require.NoError(t, err)
	assert.NotEmpty(t, data, "close never discards buffered assessments")
}
