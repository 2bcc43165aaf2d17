package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns a stable hex digest of input, used for cache keys
// and concept IDs. Digests must stay stable across releases or cached
// answers and indexed concepts become unreachable.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
