// Package codec converts persisted entry snapshots to bytes and back.
//
// Decoded values must use JSON-shaped dynamic types (map[string]any,
// []any, scalars) so merge strategies see the same shapes after a reload
// as they do for values that arrived over the network.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
