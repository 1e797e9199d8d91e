// Package storage defines the uniform namespaced key/value contract
// every concrete backend (memory, file-tree, sqlite, badger) implements,
// plus the dynamic document type (Value) that flows through it.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by the memory and file-tree adapters' operations
// attempted after Close. The sqlite and badger adapters report their
// driver's own error instead.
var ErrClosed = errors.New("storage: adapter is closed")

// Options is a free-form configuration carrier passed through from the
// client's request payload (e.g. {"useIndexedDB": true}). Adapters must
// ignore hints they don't recognize rather than fail.
type Options map[string]any

// SetResult is returned by a successful Set.
type SetResult struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteResult is returned by a successful Delete, which is idempotent:
// deleting an absent key is still a success.
type DeleteResult struct {
	Deleted string `json:"deleted"`
}

// QueryRow is one match from Query: the key plus the value's top-level
// fields flattened alongside it, per spec.md's "{key, …fields}" shape.
type QueryRow struct {
	Key    string
	Fields map[string]Value
}

// Adapter is the storage contract every backend satisfies. All methods
// are safe for concurrent use by multiple dispatcher goroutines.
type Adapter interface {
	// Get returns the stored value, or a null Value if the key is
	// absent. Get never fails solely because a key is missing.
	Get(ctx context.Context, collection, key string, opts Options) (Value, error)

	// Set stores value under (collection, key), overwriting silently.
	Set(ctx context.Context, collection, key string, value Value, opts Options) (SetResult, error)

	// Delete removes (collection, key). Deleting a missing key is a
	// successful no-op.
	Delete(ctx context.Context, collection, key string, opts Options) (DeleteResult, error)

	// Query returns every key in collection whose value, interpreted as
	// an object, satisfies every field in predicate by equality. Row
	// order is unspecified in general but stable per adapter.
	Query(ctx context.Context, collection string, predicate map[string]Value, opts Options) ([]QueryRow, error)

	// Close releases any resources the adapter holds (file handles,
	// database connections). Safe to call more than once.
	Close() error
}

// matchesPredicate reports whether value (interpreted as an object)
// satisfies every field in predicate by equality. A value that is not
// an object, or that is missing a predicate field, does not match. An
// empty predicate matches every object value.
func matchesPredicate(value Value, predicate map[string]Value) bool {
	fields, ok := value.Fields()
	if !ok {
		return false
	}
	for k, want := range predicate {
		got, present := fields[k]
		if !present || !got.Equal(want) {
			return false
		}
	}
	return true
}
