// Package sha256 fingerprints snapshot content for ETags and change events.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hasher fingerprints values by their JSON encoding. The encoding is streamed
// into the digest, so large documents are never buffered twice.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Sum returns the hex SHA-256 digest of data.
func (Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumJSON returns the hex SHA-256 digest of v's JSON encoding. Equal values
// always produce equal digests because map keys are encoded in sorted order.
func (Hasher) SumJSON(v any) (string, error) {
	h := sha256.New()
	if err := json.NewEncoder(h).Encode(v); err != nil {
		return "", fmt.Errorf("encode for hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
