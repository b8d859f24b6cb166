package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StoreType selects the evidence storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an evidence store based on environment variables.
//
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - EVIDENCE_S3_BUCKET (required), EVIDENCE_S3_REGION or AWS_REGION,
//     EVIDENCE_S3_ENDPOINT (optional, MinIO/LocalStack), EVIDENCE_S3_PREFIX
//
// For GCS (requires the gcp build tag):
//   - EVIDENCE_GCS_BUCKET (required), EVIDENCE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFSStore(filepath.Join(dataDir, "evidence"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("evidence: unsupported storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("evidence: EVIDENCE_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
	})
}

// WithPrefix nests every blob path under a container prefix, so several
// deployments can share one bucket or data directory. An empty prefix
// returns the store unchanged.
func WithPrefix(s Store, prefix string) Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return s
	}
	return &prefixStore{inner: s, prefix: prefix + "/"}
}

type prefixStore struct {
	inner  Store
	prefix string
}

func (p *prefixStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	return p.inner.Put(ctx, p.prefix+path, data)
}

func (p *prefixStore) Get(ctx context.Context, path string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+path)
}

func (p *prefixStore) Exists(ctx context.Context, path string) (bool, error) {
	return p.inner.Exists(ctx, p.prefix+path)
}

func (p *prefixStore) Append(ctx context.Context, path string, data []byte) error {
	return p.inner.Append(ctx, p.prefix+path, data)
}
