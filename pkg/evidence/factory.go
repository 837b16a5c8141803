package evidence

import (
	"context"
	"fmt"

	"github.com/orderpilot/orderpilot/pkg/config"
)

// NewStore creates an evidence store from configuration.
//
// Backends:
//   - "memory": in-process, for tests
//   - "fs":     local filesystem under EVIDENCE_ROOT
//   - "s3":     EVIDENCE_BUCKET / EVIDENCE_REGION / EVIDENCE_ENDPOINT
//   - "gcs":    EVIDENCE_BUCKET (requires the gcp build tag)
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.EvidenceBackend {
	case "memory":
		return NewMemoryStore(), nil
	case "fs", "":
		return NewFSStore(cfg.EvidenceRoot)
	case "s3":
		if cfg.EvidenceBucket == "" {
			return nil, fmt.Errorf("EVIDENCE_BUCKET is required for the s3 backend")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.EvidenceBucket,
			Region:   cfg.EvidenceRegion,
			Endpoint: cfg.EvidenceEndpoint,
		})
	case "gcs":
		if cfg.EvidenceBucket == "" {
			return nil, fmt.Errorf("EVIDENCE_BUCKET is required for the gcs backend")
		}
		return newGCSStore(ctx, cfg.EvidenceBucket)
	default:
		return nil, fmt.Errorf("unsupported evidence backend: %s", cfg.EvidenceBackend)
	}
}
