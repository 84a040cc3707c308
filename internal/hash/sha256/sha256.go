// Package sha256 digests filter keys so that arbitrary URLs become fixed
// length tokens safe for the line protocol.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements bloomd.Hasher using SHA-256, optionally keeping only a
// prefix of the digest.
type Hasher struct {
	size int
}

// New returns a hasher producing the full 64 character digest.
func New() *Hasher {
	return &Hasher{size: sha256.Size}
}

// NewTruncated returns a hasher keeping the first n bytes of the digest.
// n outside 1..32 keeps the full digest.
func NewTruncated(n int) *Hasher {
	if n <= 0 || n > sha256.Size {
		n = sha256.Size
	}
	return &Hasher{size: n}
}

// Hash returns the hex encoded digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:h.size]), nil
}
