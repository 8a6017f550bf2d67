// Package sha256 derives content addresses for dead-lettered payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements publisher.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short returns the first n hex characters of the digest of data.
func (h *Hasher) Short(data []byte, n int) string {
	sum := sha256.Sum256(data)
	full := hex.EncodeToString(sum[:])
	if n <= 0 || n >= len(full) {
		return full
	}
	return full[:n]
}
