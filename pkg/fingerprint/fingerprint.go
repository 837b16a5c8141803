// Package fingerprint computes the order dedup key and persists the
// fingerprint → external-draft mapping that enforces at-most-once draft
// creation for logically identical orders.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// Granularity is the coarse date bucket applied to the fingerprint. The same
// order re-uploaded in the next bucket is intentionally not deduplicated.
type Granularity string

const (
	BucketHour  Granularity = "hour"
	BucketDay   Granularity = "day"
	BucketWeek  Granularity = "week"
	BucketMonth Granularity = "month"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return true
	}
	return false
}

// BucketISO renders the bucket label for a moment in time. Labels are stable
// across implementations; week uses the ISO week number.
func BucketISO(t time.Time, g Granularity) string {
	u := t.UTC()
	switch g {
	case BucketHour:
		return u.Format("2006-01-02T15")
	case BucketWeek:
		year, week := u.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return u.Format("2006-01")
	default:
		return u.Format("2006-01-02")
	}
}

// lineTuple is the normalized projection of a line item that participates in
// the fingerprint. Field order does not matter; serialization is canonical.
type lineTuple struct {
	SKU      string  `json:"sku"`
	GTIN     string  `json:"gtin"`
	Quantity float64 `json:"quantity"`
}

// Compute derives the deterministic dedup key:
// SHA-256(fileSHA || customerID || SHA-256(JCS(sorted line tuples)) || bucket).
func Compute(fileSHA256, customerID string, lines []contracts.LineItem, at time.Time, g Granularity) (string, error) {
	tuples := make([]lineTuple, 0, len(lines))
	for _, li := range lines {
		tuples = append(tuples, lineTuple{
			SKU:      strings.ToUpper(strings.TrimSpace(li.SKU)),
			GTIN:     strings.TrimSpace(li.GTIN),
			Quantity: li.Quantity,
		})
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].SKU != tuples[j].SKU {
			return tuples[i].SKU < tuples[j].SKU
		}
		return tuples[i].GTIN < tuples[j].GTIN
	})

	raw, err := json.Marshal(tuples)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal line tuples: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize line tuples: %w", err)
	}
	lineHash := sha256.Sum256(canonical)

	h := sha256.New()
	h.Write([]byte(fileSHA256))
	h.Write([]byte(customerID))
	h.Write([]byte(hex.EncodeToString(lineHash[:])))
	h.Write([]byte(BucketISO(at, g)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entry maps a fingerprint to the external draft it produced.
type Entry struct {
	Fingerprint  string            `json:"fingerprint"`
	DraftID      string            `json:"draft_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Store is the dedup index. Register is first-writer-wins: once a
// fingerprint maps to a draft id, later registrations return the original
// entry unchanged regardless of their own draft id.
type Store interface {
	Lookup(ctx context.Context, fp string) (Entry, bool, error)
	Register(ctx context.Context, fp, draftID string, metadata map[string]string) (Entry, error)
}
