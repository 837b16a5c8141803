// Package evidence implements the append-only, content-addressed blob
// container that holds every artifact a case produces: the original file,
// canonical-order versions, committee prompts and responses, correction
// patches, external request/response pairs, and sealed audit manifests.
//
// Paths are the durable interface; tooling reads bundles by path. Stored
// artifacts are never mutated — corrections produce new versions under new
// paths. Audit paths are write-once with a retention period of at least five
// years.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no blob exists at a path.
	ErrNotFound = errors.New("evidence: blob not found")
	// ErrImmutablePath is returned when a Put would overwrite existing
	// content with different bytes.
	ErrImmutablePath = errors.New("evidence: path already holds different content")
)

// Store is the evidence container contract.
type Store interface {
	// Put stores bytes at path and returns their sha256 (hex). Re-putting
	// identical content is a no-op; different content is rejected.
	Put(ctx context.Context, path string, data []byte) (string, error)

	// PutAppend appends one record (a line) to a JSONL object at path.
	PutAppend(ctx context.Context, path string, record []byte) error

	// Get retrieves the bytes at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether a blob exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the stored paths under a prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// HashBytes computes the hex sha256 of data. Every manifest entry and blob
// pointer uses this form (no "sha256:" prefix; the manifest schema is typed).
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Deterministic path layout. Callers never assemble these by hand.

func OriginalPath(caseID string) string { return caseID + "/original.xlsx" }

// ReuploadPath addresses a replacement upload after a blocked parse. Paths
// are write-once, so each distinct file gets its own content-named slot.
func ReuploadPath(caseID, fileSHA256 string) string {
	return fmt.Sprintf("%s/reupload/%s.xlsx", caseID, fileSHA256[:12])
}

func CanonicalPath(caseID string, version int) string {
	return fmt.Sprintf("%s/canonical/v%d.json", caseID, version)
}

func CommitteePromptPath(caseID, providerID string, round int) string {
	return fmt.Sprintf("%s/committee/r%d/%s/prompt.txt", caseID, round, providerID)
}

func CommitteeResponsePath(caseID, providerID string, round int) string {
	return fmt.Sprintf("%s/committee/r%d/%s/response.json", caseID, round, providerID)
}

func EvidencePackPath(caseID string, round int) string {
	return fmt.Sprintf("%s/committee/r%d/pack.json", caseID, round)
}

func VerdictPath(caseID string, round int) string {
	return fmt.Sprintf("%s/verdict/v%d.json", caseID, round)
}

func CorrectionPath(caseID string, ts time.Time) string {
	return fmt.Sprintf("%s/corrections/%s.json", caseID, ts.UTC().Format("20060102T150405.000000000Z"))
}

func ExternalRequestPath(caseID string) string  { return caseID + "/external/request.json" }
func ExternalResponsePath(caseID string) string { return caseID + "/external/response.json" }

func ManifestPath(caseID string) string { return caseID + "/audit/manifest.json" }

func EventLogPath(caseID string, day time.Time) string {
	d := day.UTC()
	return fmt.Sprintf("logs/%04d/%02d/%02d/%s.jsonl", d.Year(), d.Month(), d.Day(), caseID)
}

// SpillPath addresses a large event payload spilled out of the event log.
func SpillPath(caseID, spillID string) string {
	return fmt.Sprintf("%s/events/%s.json", caseID, spillID)
}
