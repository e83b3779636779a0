package storage

import (
	"context"
)

// ResultStorage persists per-unit result payloads and hands back the
// location reference that travels through the coordinator to the merge
// stage. Implementations must make Store atomic: a reader may never observe
// a partially written payload.
type ResultStorage interface {
	// Store writes the payload under the given name and returns its location.
	Store(ctx context.Context, name string, payload []byte) (string, error)

	// Load reads a payload back from a location returned by Store.
	Load(ctx context.Context, location string) ([]byte, error)

	// Delete removes a stored payload.
	Delete(ctx context.Context, location string) error
}
