// Package cache provides content-addressed storage for build artifacts and
// dependency caches, keyed by a content fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store is the content-addressed get/put contract. A miss is a normal
// result, not an error.
type Store interface {
	Put(ctx context.Context, fingerprint string, blob []byte) error
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
}

// Fingerprint hashes the declared cache-key inputs (for example lockfile
// contents) into a stable hex key.
func Fingerprint(inputs ...[]byte) string {
	h := sha256.New()

	for _, input := range inputs {
		h.Write(input)
	}

	return hex.EncodeToString(h.Sum(nil))
}
