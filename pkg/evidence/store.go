// Package evidence provides the WORM blob store holding every input artifact
// and intermediate decision of the pipeline: original workbooks, canonical
// orders, committee evidence packs and raw outputs, writer request/response
// pairs, and the per-case audit trail.
//
// Writes are write-once: re-putting identical bytes is a no-op, differing
// bytes under an existing path is ErrImmutable. Nothing is ever overwritten
// or deleted; retention (≥ 5 years) is enforced by bucket policy, not code.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
)

// ErrImmutable is returned when a Put targets an existing path with
// different content.
var ErrImmutable = errors.New("evidence: path already written with different content")

// ErrNotFound is returned when a Get targets a path that was never written.
var ErrNotFound = errors.New("evidence: blob not found")

// Store is the write-once blob store contract.
type Store interface {
	// Put persists data under path. Returns the SHA-256 of the stored bytes.
	Put(ctx context.Context, path string, data []byte) (string, error)
	// Get retrieves the blob at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Exists reports whether path has been written.
	Exists(ctx context.Context, path string) (bool, error)
	// Append extends an append-only stream (audit trails). Unlike Put,
	// Append may be called repeatedly for the same path.
	Append(ctx context.Context, path string, data []byte) error
}

// Blob path layout. Paths are relative to the configured container prefix.
func OriginalFilePath(caseID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "xlsx"
	}
	return fmt.Sprintf("orders-incoming/%s/original.%s", caseID, ext)
}

func CanonicalOrderPath(caseID string) string {
	return fmt.Sprintf("cases/%s/canonical-order.json", caseID)
}

func EvidencePackPath(taskID string) string {
	return fmt.Sprintf("committee-outputs/%s/evidence-pack.json", taskID)
}

func RawOutputsPath(taskID string) string {
	return fmt.Sprintf("committee-outputs/%s/raw-outputs.json", taskID)
}

func WriterRequestPath(caseID string, attempt int) string {
	return fmt.Sprintf("zoho-writes/%s/%d/request.json", caseID, attempt)
}

func WriterResponsePath(caseID string, attempt int) string {
	return fmt.Sprintf("zoho-writes/%s/%d/response.json", caseID, attempt)
}

func AuditTrailPath(caseID string) string {
	return fmt.Sprintf("audit/%s/events.ndjson", caseID)
}

// FSStore is a filesystem-backed Store for single-node and test deployments.
type FSStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFSStore creates a filesystem store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: ensure base dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) fullPath(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path))
}

func (s *FSStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.fullPath(path)
	hash := canonicalize.HashBytes(data)

	if existing, err := os.ReadFile(full); err == nil {
		if canonicalize.HashBytes(existing) == hash {
			return hash, nil
		}
		return "", fmt.Errorf("%w: %s", ErrImmutable, path)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("evidence: mkdir: %w", err)
	}

	// Write to temp, then rename. Rename is atomic on the same filesystem.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("evidence: write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("evidence: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("evidence: read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(s.fullPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("evidence: stat blob: %w", err)
}

func (s *FSStore) Append(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("evidence: mkdir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("evidence: open append stream: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("evidence: append: %w", err)
	}
	return nil
}
