// Package blob is the object-store collaborator: opaque payloads keyed by
// string, used for the report row cache, assembled reports, and computed
// formula unit records.
package blob

import "errors"

// ErrNotFound is returned by Load when no object exists under a key.
// Callers interpret it as "rebuild needed", never as failure.
var ErrNotFound = errors.New("object not found")

// Store saves and loads opaque payloads. Concurrent writers to the same key
// race under last-writer-wins semantics; callers needing more serialize
// externally.
type Store interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, error)
}
