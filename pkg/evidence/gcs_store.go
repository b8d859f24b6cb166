//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
)

// GCSStore implements Store on Google Cloud Storage. Pair with a bucket
// retention policy of at least five years for the WORM guarantee.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed evidence store (ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}

func (s *GCSStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	obj := s.object(path)

	if existing, err := s.read(ctx, obj); err == nil {
		if canonicalize.HashBytes(existing) == hash {
			return hash, nil
		}
		return "", fmt.Errorf("%w: %s", ErrImmutable, path)
	}

	// DoesNotExist precondition makes the write atomic against racers.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence: gcs write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence: gcs commit %s: %w", path, err)
	}
	return hash, nil
}

func (s *GCSStore) read(ctx context.Context, obj *storage.ObjectHandle) ([]byte, error) {
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.read(ctx, s.object(path))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("evidence: gcs get %s: %w", path, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("evidence: gcs attrs: %w", err)
}

// Append implements the audit stream as read-modify-write; per-case audit
// appends are serialized by the single-writer workflow instance.
func (s *GCSStore) Append(ctx context.Context, path string, data []byte) error {
	obj := s.object(path)
	existing, err := s.read(ctx, obj)
	if err != nil {
		existing = nil
	}
	combined := append(existing, data...)

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(combined); err != nil {
		_ = w.Close()
		return fmt.Errorf("evidence: gcs append %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("evidence: gcs append commit %s: %w", path, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
