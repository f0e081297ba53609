// Package exporter writes the audit trail: a detailed JSONL stream with the
// full vote set and a summary CSV. Both sinks buffer in memory and flush on
// an interval, on a full buffer, and on shutdown.
package exporter

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	zlog "github.com/cobaltsec/cobaltgraph/logger"

	"github.com/spf13/afero"
)

const (
	DefaultBufferSize    = 100
	DefaultFlushInterval = time.Second

	jsonlBaseName = "assessments.jsonl"
	csvBaseName   = "summary.csv"
)

type entry struct {
	enriched   *enrichment.EnrichedRecord
	assessment *consensus.Assessment
}

// Options tunes the exporter; zero values select the defaults.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	JSONLMaxBytes int64
	CSVMaxBytes   int64

	// Now is the clock used for rotation stamps. Tests override it.
	Now func() time.Time
}

// Exporter owns both sinks. A failing sink degrades alone; the other keeps
// writing.
type Exporter struct {
	mu     sync.Mutex
	buffer []entry

	bufferSize int
	interval   time.Duration

	jsonl *jsonlSink
	csv   *csvSink

	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}

	errors atomic.Uint64
}

// New creates the export directory if needed and opens both sinks.
func New(afs afero.Fs, dir string, opts Options) (*Exporter, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.JSONLMaxBytes <= 0 {
		opts.JSONLMaxBytes = 100 << 20
	}
	if opts.CSVMaxBytes <= 0 {
		opts.CSVMaxBytes = 10 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jsonl, err := newJSONLSink(afs, filepath.Join(dir, jsonlBaseName), opts.JSONLMaxBytes, opts.Now)
	if err != nil {
		return nil, err
	}
	csv, err := newCSVSink(afs, filepath.Join(dir, csvBaseName), opts.CSVMaxBytes, opts.Now)
	if err != nil {
		jsonl.close()
		return nil, err
	}

	e := &Exporter{
		buffer:     make([]entry, 0, opts.BufferSize),
		bufferSize: opts.BufferSize,
		interval:   opts.FlushInterval,
		jsonl:      jsonl,
		csv:        csv,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go e.flushLoop()
	return e, nil
}

// Publish buffers one assessment. A full buffer flushes inline so nothing is
// dropped.
func (e *Exporter) Publish(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, entry{enriched: enriched, assessment: assessment})
	if len(e.buffer) >= e.bufferSize {
		e.flushLocked()
	}
}

// Flush forces a flush of both sinks.
func (e *Exporter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

// Close flushes what remains and closes both sinks.
func (e *Exporter) Close() {
	e.stopped.Do(func() {
		close(e.stop)
		<-e.done

		e.mu.Lock()
		defer e.mu.Unlock()
		e.flushLocked()
		e.jsonl.close()
		e.csv.close()
	})
}

// Errors counts failed sink writes.
func (e *Exporter) Errors() uint64 { return e.errors.Load() }

// JSONLDegraded reports whether the detail sink is failing.
func (e *Exporter) JSONLDegraded() bool { return e.jsonl.degraded() }

// CSVDegraded reports whether the summary sink is failing.
func (e *Exporter) CSVDegraded() bool { return e.csv.degraded() }

func (e *Exporter) flushLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush()
		case <-e.stop:
			return
		}
	}
}

func (e *Exporter) flushLocked() {
	if len(e.buffer) == 0 {
		return
	}
	logger := zlog.GetLogger()

	for i := range e.buffer {
		if err := e.jsonl.write(e.buffer[i].enriched, e.buffer[i].assessment); err != nil {
			e.errors.Add(1)
			logger.Error().Err(err).Msg("jsonl export write failed")
		}
		if err := e.csv.write(e.buffer[i].enriched, e.buffer[i].assessment); err != nil {
			e.errors.Add(1)
			logger.Error().Err(err).Msg("csv export write failed")
		}
	}
	e.buffer = e.buffer[:0]
}
