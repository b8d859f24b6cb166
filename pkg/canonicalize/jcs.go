// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for deterministic hashing of pipeline
// artifacts: workflow history events, evidence blobs, and order fingerprints.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are respected, then
// transformed to canonical form (lexicographic key order, ES6 number
// formatting, no HTML escaping).
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v. Equal values hash equal regardless of map ordering.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash extends a hash chain: H(prev ∥ next) over hex-decoded inputs.
// An empty prev starts a new chain.
func ChainHash(prev, next string) string {
	h := sha256.New()
	if prev != "" {
		if b, err := hex.DecodeString(prev); err == nil {
			h.Write(b)
		}
	}
	if b, err := hex.DecodeString(next); err == nil {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
