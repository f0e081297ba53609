// Package scoring implements the three independent threat scorers and the
// signed vote they emit. Scorers share an input schema but use disjoint
// feature subsets and decision rules so their votes stay algorithmically
// diverse.
package scoring

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	ScorerStatistical = "statistical"
	ScorerRuleBased   = "rule_based"
	ScorerMLBased     = "ml_based"
)

// MinKeyBytes is the minimum HMAC key length.
const MinKeyBytes = 32

var ErrKeyTooShort = errors.New("scorer key must be at least 32 bytes")

// Vote is one scorer's signed verdict for one record. Immutable once
// emitted; consensus verifies the signature before counting it.
type Vote struct {
	ScorerID   string             `json:"scorer_id"`
	Score      float64            `json:"score"`      // [0,1]
	Confidence float64            `json:"confidence"` // [0,1]
	Rationale  map[string]float64 `json:"rationale"`  // feature -> contribution
	Timestamp  float64            `json:"timestamp"`
	Signature  string             `json:"signature"` // hex HMAC-SHA256 over CanonicalBytes
}

// CanonicalBytes returns the deterministic serialization the signature
// covers: scorer_id, score, confidence, rationale in key order, timestamp.
// Re-serializing a parsed vote is byte-identical to the original.
func (v *Vote) CanonicalBytes() []byte {
	var b strings.Builder
	b.WriteString("scorer_id=")
	b.WriteString(v.ScorerID)
	b.WriteString("|score=")
	b.WriteString(strconv.FormatFloat(v.Score, 'g', -1, 64))
	b.WriteString("|confidence=")
	b.WriteString(strconv.FormatFloat(v.Confidence, 'g', -1, 64))
	b.WriteString("|rationale=")

	keys := make([]string, 0, len(v.Rationale))
	for key := range v.Rationale {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(v.Rationale[key], 'g', -1, 64))
	}

	b.WriteString("|timestamp=")
	b.WriteString(strconv.FormatFloat(v.Timestamp, 'g', -1, 64))
	return []byte(b.String())
}

// Key is scorer HMAC secret material. Read-only after startup.
type Key []byte

// ParseKey decodes a hex key from configuration, enforcing the minimum
// length.
func ParseKey(hexKey string) (Key, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid scorer key: %w", err)
	}
	if len(raw) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return Key(raw), nil
}

// GenerateKey creates fresh key material for a single process run.
func GenerateKey() (Key, error) {
	raw := make([]byte, MinKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return Key(raw), nil
}

// Fingerprint returns a short identifier safe to log. The key itself is
// never logged.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256(k)
	return hex.EncodeToString(sum[:8])
}

// Sign computes the vote signature under key and stores it on the vote.
func Sign(v *Vote, key Key) {
	mac := hmac.New(sha256.New, key)
	mac.Write(v.CanonicalBytes())
	v.Signature = hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC over the canonical serialization and compares
// in constant time.
func Verify(v *Vote, key Key) bool {
	sig, err := hex.DecodeString(v.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(v.CanonicalBytes())
	return hmac.Equal(sig, mac.Sum(nil))
}
