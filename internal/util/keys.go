package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// StorageKey returns prefix + ":" + the first 32 hex chars of sha256(key).
// Query keys are canonical JSON of arbitrary length; hashing keeps storage
// keys short and free of backend-hostile characters.
func StorageKey(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return prefix + ":" + hex.EncodeToString(sum[:16])
}
