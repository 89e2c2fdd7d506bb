// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and named digest modes for deterministic hashing. Two
// values that differ only in map key order always canonicalize to the
// same bytes, so digests and fingerprints are field-order independent.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// DigestMode names a supported hash over the canonical form.
type DigestMode string

const (
	ModeSHA256     DigestMode = "sha256"
	ModeBlake2b256 DigestMode = "blake2b-256"
)

// DefaultMode is used when a submission does not name a mode.
const DefaultMode = ModeSHA256

// ValidMode reports whether mode names a supported digest.
func ValidMode(mode DigestMode) bool {
	switch mode {
	case ModeSHA256, ModeBlake2b256:
		return true
	}
	return false
}

// Canonical returns the RFC 8785 canonical JSON bytes of v.
// v is marshalled through encoding/json first so struct tags apply.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Digest returns the hex digest of the canonical form of v in the given mode.
func Digest(mode DigestMode, v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	switch mode {
	case ModeSHA256:
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:]), nil
	case ModeBlake2b256:
		sum := blake2b.Sum256(b)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("canonicalize: unknown digest mode %q", mode)
	}
}

// Fingerprint is the default-mode digest, used for idempotency payload
// fingerprints and journal chain hashes.
func Fingerprint(v any) (string, error) {
	return Digest(DefaultMode, v)
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
