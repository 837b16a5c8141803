//go:build gcp

package evidence

import "context"

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket})
}
