package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
)

// S3Store implements Store on AWS S3 (or any S3-compatible endpoint).
// WORM semantics are layered on top of a versioned, object-locked bucket;
// the code side enforces write-once by content comparison.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

// NewS3Store creates a new S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
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
	hash := canonicalize.HashBytes(data)
	key := s.key(path)

	existing, err := s.get(ctx, key)
	if err == nil {
		if canonicalize.HashBytes(existing) == hash {
			return hash, nil
		}
		return "", fmt.Errorf("%w: %s", ErrImmutable, path)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"sha256": hash},
	})
	if err != nil {
		return "", fmt.Errorf("evidence: s3 put %s: %w", path, err)
	}
	return hash, nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.get(ctx, s.key(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, nil
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

// Append implements the audit stream as read-modify-write. Audit appends for
// one case are serialized by the single-writer workflow instance, so there is
// no concurrent appender for a given path.
func (s *S3Store) Append(ctx context.Context, path string, data []byte) error {
	key := s.key(path)
	existing, err := s.get(ctx, key)
	if err != nil {
		existing = nil
	}
	combined := append(existing, data...)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(combined),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("evidence: s3 append %s: %w", path, err)
	}
	return nil
}
