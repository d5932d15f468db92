// Package coord wraps the coordination store: the path scheme for
// deployment groups and the optimistic versioning discipline every writer
// goes through.
package coord

import (
	"context"
	"errors"
)

var (
	// ErrConflict means the stored version moved since it was read, or a
	// create-only write found an existing node.
	ErrConflict = errors.New("version conflict")
	// ErrNotFound means the node does not exist.
	ErrNotFound = errors.New("not found")
)

// Store is a hierarchical key-value store with compare-and-set writes,
// ordered child listing and blocking watches. Versions are opaque, strictly
// positive for existing nodes, and change on every write.
type Store interface {
	// Get returns the value stored at path and its version.
	Get(ctx context.Context, path string) ([]byte, uint64, error)

	// CompareAndSet writes value at path if the stored version equals
	// expected. An expected version of 0 creates the node and fails with
	// ErrConflict if it already exists. A non-zero expected version on a
	// missing node fails with ErrNotFound.
	CompareAndSet(ctx context.Context, path string, expected uint64, value []byte) error

	// Children returns the sorted names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// Delete removes a single node. Deleting a missing node is not an error.
	Delete(ctx context.Context, path string) error

	// DeleteTree removes path and everything below it.
	DeleteTree(ctx context.Context, path string) error

	// Watch blocks until something at or below prefix changes after index
	// and returns the index to pass to the next call. Index 0 returns the
	// current index immediately.
	Watch(ctx context.Context, prefix string, index uint64) (uint64, error)
}
