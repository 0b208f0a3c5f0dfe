// Package store is the persistence backend for documents and annotations.
// Two implementations are provided: PostgresStore for deployments and
// MemoryStore for tests and single-process setups. Both enforce the
// compare-and-swap on version that optimistic locking relies on.
package store

import "errors"

var (
	// ErrNotFound signals an unknown document or annotation id.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict signals that a mutation's expected version no
	// longer matches the stored row.
	ErrVersionConflict = errors.New("version conflict")
)
