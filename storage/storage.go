// Package storage defines the durable byte store persisted entries live in.
//
// Implementations MUST be byte-for-byte transparent: Get and Entries return
// exactly the []byte previously passed to Set for a key. Records are owned
// by livecache and framed by it; foreign values under the same keyspace are
// treated as corrupt and deleted on load.
package storage

import "context"

// Storage is a minimal durable key-value store.
// Must be safe for concurrent use.
type Storage interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Entries returns every stored record. Used once on startup to hydrate
	// the cache, so it may be expensive.
	Entries(ctx context.Context) (map[string][]byte, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
