// Package database is the append-only relational store for connection
// outcomes and consensus assessments. A single writer goroutine owns all
// inserts; readers go through their own queries.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY,
	ts REAL NOT NULL,
	src_ip TEXT,
	src_port INT,
	dst_ip TEXT NOT NULL,
	dst_port INT,
	protocol TEXT,
	src_mac TEXT,
	dst_mac TEXT,
	mode TEXT,
	country_code TEXT,
	country_name TEXT,
	lat REAL,
	lon REAL,
	asn INT,
	as_org TEXT,
	vt_positives INT,
	vt_total INT,
	abuseipdb_score INT,
	is_known_malicious INT,
	consensus_score REAL,
	confidence REAL,
	high_uncertainty INT,
	enrichment_partial INT
);

CREATE TABLE IF NOT EXISTS consensus_assessments (
	id INTEGER PRIMARY KEY,
	ts REAL NOT NULL,
	dst_ip TEXT NOT NULL,
	dst_port INT,
	consensus_score REAL,
	confidence REAL,
	high_uncertainty INT,
	num_scorers INT,
	num_outliers INT,
	method TEXT,
	votes_json TEXT,
	outliers_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_connections_ts ON connections (ts DESC);
CREATE INDEX IF NOT EXISTS idx_connections_dst_ip ON connections (dst_ip);
CREATE INDEX IF NOT EXISTS idx_assessments_dst_ts ON consensus_assessments (dst_ip, ts DESC);
`

// DB wraps the SQLite handle. Open creates the file and schema; the handle
// is safe for concurrent readers but all writes go through the Writer.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the database file (and its parent directory) if needed and
// applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %s: %w", path, err)
	}

	// the single writer goroutine owns all mutations; one connection keeps
	// SQLite's locking out of the picture
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("cannot configure database %s: %w", path, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot create schema in %s: %w", path, err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path for diagnostics.
func (db *DB) Path() string { return db.path }

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ConnectionCount reports the number of stored connection rows.
func (db *DB) ConnectionCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`).Scan(&count)
	return count, err
}

// AssessmentCount reports the number of stored assessments.
func (db *DB) AssessmentCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM consensus_assessments`).Scan(&count)
	return count, err
}

// StoredConnection is one connections row as read back.
type StoredConnection struct {
	ID              int64
	Timestamp       float64
	SrcIP           string
	DstIP           string
	DstPort         int
	Protocol        string
	ConsensusScore  float64
	Confidence      float64
	HighUncertainty bool
}

// ConnectionsForDst returns the stored connections for one destination in
// insertion order.
func (db *DB) ConnectionsForDst(ctx context.Context, dstIP string, limit int) ([]StoredConnection, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, ts, src_ip, dst_ip, dst_port, protocol,
		       consensus_score, confidence, high_uncertainty
		FROM connections
		WHERE dst_ip = ?
		ORDER BY id
		LIMIT ?`, dstIP, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredConnection
	for rows.Next() {
		var c StoredConnection
		if err := rows.Scan(
			&c.ID, &c.Timestamp, &c.SrcIP, &c.DstIP, &c.DstPort, &c.Protocol,
			&c.ConsensusScore, &c.Confidence, &c.HighUncertainty,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoredAssessment is one consensus_assessments row as read back.
type StoredAssessment struct {
	ID              int64
	Timestamp       float64
	DstIP           string
	DstPort         int
	ConsensusScore  float64
	Confidence      float64
	HighUncertainty bool
	NumScorers      int
	NumOutliers     int
	Method          string
	VotesJSON       string
	OutliersJSON    string
}

// AssessmentsForDst returns the stored assessments for one destination,
// newest first.
func (db *DB) AssessmentsForDst(ctx context.Context, dstIP string, limit int) ([]StoredAssessment, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, ts, dst_ip, dst_port, consensus_score, confidence,
		       high_uncertainty, num_scorers, num_outliers, method,
		       votes_json, outliers_json
		FROM consensus_assessments
		WHERE dst_ip = ?
		ORDER BY ts DESC
		LIMIT ?`, dstIP, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredAssessment
	for rows.Next() {
		var a StoredAssessment
		if err := rows.Scan(
			&a.ID, &a.Timestamp, &a.DstIP, &a.DstPort, &a.ConsensusScore,
			&a.Confidence, &a.HighUncertainty, &a.NumScorers, &a.NumOutliers,
			&a.Method, &a.VotesJSON, &a.OutliersJSON,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
