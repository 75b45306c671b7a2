package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// Signal is a candidate trading signal to be admitted at most once per
// fingerprint within the TTL window.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Direction  string          `json:"direction"`
	Strategy   string          `json:"strategy"`
	Timestamp  time.Time       `json:"timestamp"`
	Strength   *float64        `json:"strength,omitempty"`
	PriceLevel *float64        `json:"price_level,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// MinuteBucket floors a timestamp to its minute in unix seconds, so
// near-duplicate signals within the same minute collapse to one fingerprint.
func MinuteBucket(ts time.Time) int64 {
	return ts.Unix() / 60 * 60
}

// Fingerprint derives the content-addressed idempotency key for a signal:
// the first 16 hex characters of the SHA-256 of its canonical form.
func Fingerprint(s *Signal) string {
	canonical := map[string]interface{}{
		"symbol":        s.Symbol,
		"direction":     s.Direction,
		"strategy":      s.Strategy,
		"minute_bucket": MinuteBucket(s.Timestamp),
	}
	if s.Strength != nil {
		canonical["strength"] = round4(*s.Strength)
	}
	if s.PriceLevel != nil {
		canonical["price_level"] = round4(*s.PriceLevel)
	}

	// encoding/json serializes map keys in sorted order, which makes the
	// digest deterministic.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
