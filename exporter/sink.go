package exporter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cobaltsec/cobaltgraph/consensus"
	"github.com/cobaltsec/cobaltgraph/enrichment"
	"github.com/cobaltsec/cobaltgraph/scoring"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// csvHeader is the fixed summary column set. Order is part of the format.
const csvHeader = "timestamp,dst_ip,dst_port,protocol,country_code,asn,as_org,consensus_score,confidence,high_uncertainty,num_scorers,num_outliers,is_known_malicious"

// fileSink is the shared rotation and degradation machinery under both
// formats.
type fileSink struct {
	afs      afero.Fs
	path     string
	maxBytes int64
	now      func() time.Time

	file      afero.File
	size      int64
	openedDay string

	failing atomic.Bool
}

func (s *fileSink) open() error {
	file, err := s.afs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	s.file = file
	s.size = info.Size()
	s.openedDay = s.now().Format("20060102")
	return nil
}

// rotate closes the live file and renames it to name.YYYYMMDD-HHMMSS.ext,
// then reopens a fresh file at the base path.
func (s *fileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	stamp := s.now().Format("20060102-150405")
	ext := ""
	base := s.path
	if idx := strings.LastIndex(s.path, "."); idx > strings.LastIndex(s.path, "/") {
		ext = s.path[idx:]
		base = s.path[:idx]
	}
	rotated := fmt.Sprintf("%s.%s%s", base, stamp, ext)
	if err := s.afs.Rename(s.path, rotated); err != nil {
		return err
	}
	return s.open()
}

// overCap reports whether appending line would cross the size cap.
func (s *fileSink) overCap(line []byte) bool {
	return s.size > 0 && s.size+int64(len(line)) > s.maxBytes
}

// dateChanged reports whether the live file was opened on an earlier day.
func (s *fileSink) dateChanged() bool {
	return s.openedDay != s.now().Format("20060102")
}

// append writes one formatted line to the live file. Rotation is the
// caller's job; each format decides its own triggers.
func (s *fileSink) append(line []byte) error {
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		s.failing.Store(true)
		return err
	}
	s.failing.Store(false)
	return nil
}

func (s *fileSink) degraded() bool { return s.failing.Load() }

func (s *fileSink) close() {
	if s.file != nil {
		s.file.Close()
	}
}

// jsonlSink emits one JSON object per assessment with the full enriched
// record and vote set.
type jsonlSink struct {
	fileSink
}

func newJSONLSink(afs afero.Fs, path string, maxBytes int64, now func() time.Time) (*jsonlSink, error) {
	s := &jsonlSink{fileSink{afs: afs, path: path, maxBytes: maxBytes, now: now}}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

type jsonlMetadata struct {
	NumScorers  int     `json:"num_scorers"`
	NumOutliers int     `json:"num_outliers"`
	ScoreSpread float64 `json:"score_spread"`
}

type jsonlConsensus struct {
	ConsensusScore  float64        `json:"consensus_score"`
	Confidence      float64        `json:"confidence"`
	HighUncertainty bool           `json:"high_uncertainty"`
	Method          string         `json:"method"`
	Votes           []scoring.Vote `json:"votes"`
	Outliers        []string       `json:"outliers"`
	Metadata        jsonlMetadata  `json:"metadata"`
}

type jsonlLine struct {
	Timestamp float64                    `json:"timestamp"`
	DstIP     string                     `json:"dst_ip"`
	DstPort   int                        `json:"dst_port"`
	Enriched  *enrichment.EnrichedRecord `json:"enriched"`
	Consensus jsonlConsensus             `json:"consensus"`
}

func (s *jsonlSink) write(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) error {
	line := jsonlLine{
		Timestamp: assessment.Timestamp,
		DstIP:     assessment.DstIP,
		DstPort:   assessment.DstPort,
		Enriched:  enriched,
		Consensus: jsonlConsensus{
			ConsensusScore:  assessment.ConsensusScore,
			Confidence:      assessment.Confidence,
			HighUncertainty: assessment.HighUncertainty,
			Method:          assessment.Method,
			Votes:           assessment.Votes,
			Outliers:        assessment.Outliers,
			Metadata: jsonlMetadata{
				NumScorers:  assessment.NumScorers,
				NumOutliers: assessment.NumOutliers,
				ScoreSpread: assessment.ScoreSpread,
			},
		},
	}

	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	if s.overCap(encoded) || s.dateChanged() {
		if err := s.rotate(); err != nil {
			s.failing.Store(true)
			return err
		}
	}
	return s.append(encoded)
}

// csvSink emits the fixed-column summary row per assessment.
type csvSink struct {
	fileSink
}

func newCSVSink(afs afero.Fs, path string, maxBytes int64, now func() time.Time) (*csvSink, error) {
	s := &csvSink{fileSink{afs: afs, path: path, maxBytes: maxBytes, now: now}}
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.writeHeaderIfEmpty(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *csvSink) writeHeaderIfEmpty() error {
	if s.size > 0 {
		return nil
	}
	n, err := s.file.Write([]byte(csvHeader + "\n"))
	s.size += int64(n)
	return err
}

// rotate keeps the header invariant: every rotated-in file starts with the
// fixed header row.
func (s *csvSink) rotate() error {
	if err := s.fileSink.rotate(); err != nil {
		return err
	}
	return s.writeHeaderIfEmpty()
}

func (s *csvSink) write(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) error {
	var countryCode, asOrg string
	var asn int
	if enriched.Geo != nil {
		countryCode = enriched.Geo.CountryCode
		asn = enriched.Geo.ASN
		asOrg = enriched.Geo.ASOrg
	}
	malicious := enriched.Reputation != nil && enriched.Reputation.IsKnownMalicious

	fields := []string{
		formatFloat(assessment.Timestamp),
		assessment.DstIP,
		strconv.Itoa(assessment.DstPort),
		enriched.Protocol,
		countryCode,
		strconv.Itoa(asn),
		asOrg,
		formatFloat(assessment.ConsensusScore),
		formatFloat(assessment.Confidence),
		strconv.FormatBool(assessment.HighUncertainty),
		strconv.Itoa(assessment.NumScorers),
		strconv.Itoa(assessment.NumOutliers),
		strconv.FormatBool(malicious),
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if s.overCap(buf.Bytes()) {
		if err := s.rotate(); err != nil {
			s.failing.Store(true)
			return err
		}
	}
	return s.append(buf.Bytes())
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
