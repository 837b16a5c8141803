// Package audit seals case bundles: the content-addressed manifest that
// makes a terminal case independently verifiable years later.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/eventlog"
	"github.com/orderpilot/orderpilot/pkg/evidence"
)

// Sealer produces audit bundles. A bundle is sealed at every terminal
// status and at queued_for_retry, so the case stays auditable either way.
type Sealer struct {
	blobs  evidence.Store
	events *eventlog.Log
	clock  func() time.Time
}

func NewSealer(blobs evidence.Store, events *eventlog.Log) *Sealer {
	return &Sealer{blobs: blobs, events: events, clock: time.Now}
}

// Seal writes the manifest for a case and returns it with its JCS hash.
// The manifest lists every artifact under the case prefix with its sha256,
// plus the exported event-log excerpt. Sealing is idempotent for identical
// content; the manifest path is write-once.
func (s *Sealer) Seal(ctx context.Context, c *contracts.Case) (*contracts.AuditManifest, string, error) {
	day := s.clock().UTC()
	logPath, err := s.events.ExportJSONL(ctx, c.CaseID, day)
	if err != nil {
		return nil, "", fmt.Errorf("audit: export event log: %w", err)
	}
	count, err := s.events.LastSequence(ctx, c.CaseID)
	if err != nil {
		return nil, "", err
	}

	paths, err := s.blobs.List(ctx, c.CaseID+"/")
	if err != nil {
		return nil, "", fmt.Errorf("audit: list artifacts: %w", err)
	}
	sort.Strings(paths)

	manifest := &contracts.AuditManifest{
		CaseID:              c.CaseID,
		FinalStatus:         c.Status,
		EventLogPath:        logPath,
		EventCount:          count,
		FinalizedAt:         day,
		PreviousExecutionID: c.Annotations["previous_execution_id"],
	}
	for _, p := range paths {
		if p == evidence.ManifestPath(c.CaseID) {
			continue // the manifest never references itself
		}
		data, err := s.blobs.Get(ctx, p)
		if err != nil {
			return nil, "", fmt.Errorf("audit: read artifact %s: %w", p, err)
		}
		manifest.Artifacts = append(manifest.Artifacts, contracts.ManifestEntry{
			Path:   p,
			SHA256: evidence.HashBytes(data),
		})
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("audit: canonicalize manifest: %w", err)
	}
	hash := evidence.HashBytes(canonical)

	if _, err := s.blobs.Put(ctx, evidence.ManifestPath(c.CaseID), raw); err != nil {
		return nil, "", err
	}

	_, err = s.events.Append(ctx, &contracts.AuditEvent{
		CaseID:   c.CaseID,
		TenantID: c.TenantID,
		Type:     contracts.EventBundleSealed,
		Actor:    contracts.ActorSystem,
		Data: map[string]any{
			"manifest_hash":  hash,
			"artifact_count": len(manifest.Artifacts),
			"final_status":   string(c.Status),
		},
	})
	if err != nil {
		return nil, "", err
	}
	return manifest, hash, nil
}

// Verify re-reads every artifact a manifest references and checks its hash.
// Returns the paths that failed verification.
func (s *Sealer) Verify(ctx context.Context, manifest *contracts.AuditManifest) ([]string, error) {
	var bad []string
	for _, entry := range manifest.Artifacts {
		data, err := s.blobs.Get(ctx, entry.Path)
		if err != nil {
			bad = append(bad, entry.Path)
			continue
		}
		if evidence.HashBytes(data) != entry.SHA256 {
			bad = append(bad, entry.Path)
		}
	}
	return bad, nil
}
