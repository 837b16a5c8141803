package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// S3Store keeps evidence blobs in an S3 bucket. The deployment is expected
// to attach a write-once object-lock policy with the configured retention on
// the audit and logs prefixes; the store enforces immutability at the
// application layer as well.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Store creates an S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(path string) string { return s.prefix + path }

func (s *S3Store) Put(ctx context.Context, path string, data []byte) (string, error) {
	key := s.key(path)

	existing, err := s.get(ctx, key)
	if err == nil {
		if !bytes.Equal(existing, data) {
			return "", ErrImmutablePath
		}
		return HashBytes(existing), nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(path)),
	})
	if err != nil {
		return "", errkind.Wrap(errkind.CodeStorageUnavailable, "s3 put failed", err)
	}
	return HashBytes(data), nil
}

// PutAppend reads, extends, and rewrites the JSONL object. S3 has no append
// primitive; JSONL objects here are small per-case logs written by a single
// workflow execution, so read-modify-write is race-free.
func (s *S3Store) PutAppend(ctx context.Context, path string, record []byte) error {
	key := s.key(path)

	existing, err := s.get(ctx, key)
	if err != nil && err != ErrNotFound {
		return err
	}

	if len(record) == 0 || record[len(record)-1] != '\n' {
		record = append(append([]byte{}, record...), '\n')
	}
	combined := append(existing, record...)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(combined),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return errkind.Wrap(errkind.CodeStorageUnavailable, "s3 append failed", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	return s.get(ctx, s.key(path))
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, ErrNotFound
		}
		return nil, errkind.Wrap(errkind.CodeStorageUnavailable, "s3 get failed", err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.CodeStorageUnavailable, "s3 list failed", err)
		}
		for _, obj := range out.Contents {
			paths = append(paths, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(paths)
	return paths, nil
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	case strings.HasSuffix(path, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(path, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(path, ".xlsx"):
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
