//go:build gcp

package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// GCSStore keeps evidence blobs in a Google Cloud Storage bucket. Built only
// with the gcp tag to keep the default binary free of the GCP dependency
// tree. Bucket-level retention policies provide the write-once guarantee;
// the store also enforces immutability at the application layer.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed evidence store (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}

func (s *GCSStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	obj := s.object(path)

	existing, err := s.read(ctx, obj)
	if err == nil {
		if !bytes.Equal(existing, data) {
			return "", ErrImmutablePath
		}
		return HashBytes(existing), nil
	}
	if err != ErrNotFound {
		return "", err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentTypeFor(path)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", errkind.Wrap(errkind.CodeStorageUnavailable, "gcs write failed", err)
	}
	if err := w.Close(); err != nil {
		return "", errkind.Wrap(errkind.CodeStorageUnavailable, "gcs close failed", err)
	}
	return HashBytes(data), nil
}

func (s *GCSStore) PutAppend(ctx context.Context, path string, record []byte) error {
	obj := s.object(path)

	existing, err := s.read(ctx, obj)
	if err != nil && err != ErrNotFound {
		return err
	}

	if len(record) == 0 || record[len(record)-1] != '\n' {
		record = append(append([]byte{}, record...), '\n')
	}
	combined := append(existing, record...)

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(combined); err != nil {
		_ = w.Close()
		return errkind.Wrap(errkind.CodeStorageUnavailable, "gcs append failed", err)
	}
	if err := w.Close(); err != nil {
		return errkind.Wrap(errkind.CodeStorageUnavailable, "gcs close failed", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	return s.read(ctx, s.object(path))
}

func (s *GCSStore) read(ctx context.Context, obj *storage.ObjectHandle) ([]byte, error) {
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, errkind.Wrap(errkind.CodeStorageUnavailable, "gcs read failed", err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.CodeStorageUnavailable, "gcs attrs failed", err)
	}
	return true, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var paths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.CodeStorageUnavailable, "gcs list failed", err)
		}
		paths = append(paths, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
