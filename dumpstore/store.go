package dumpstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a dump does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store holds crash dumps by name.
type Store interface {
	// Put writes a dump atomically, replacing any dump with the same name.
	Put(ctx context.Context, name string, data []byte) error
	// Get reads a whole dump.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the sorted names of all dumps starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
