//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
