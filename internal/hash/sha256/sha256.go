// Package sha256 derives content-addressed names for snapshot blobs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher names snapshot blobs by content digest, so refetching an unchanged
// page within a task lands on the same object.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
