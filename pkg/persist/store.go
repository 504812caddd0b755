// Package persist defines the persistent-store collaborator used by the
// pool layer (per-replica properties) and the nexus (child-state
// transitions), plus in-memory, BadgerDB, and Postgres backends
// implementing it.
package persist

import (
	"context"
)

// ChildState is the persisted form of a nexus child's state transition.
// Kept as a plain string rather than importing pkg/nexus to avoid a
// dependency cycle (nexus depends on persist, not the other way around).
type ChildState struct {
	NexusUUID string
	ChildURI  string
	NewState  string
	Reason    string
}

// Store is the persistent-store collaborator used by the pool and nexus
// layers. The I/O path never blocks on it; administrative transitions do.
type Store interface {
	// PutProperty stores a single key-value property under the given
	// replica UUID (reserved keys, plus "shared").
	PutProperty(ctx context.Context, replicaUUID, key string, value []byte) error

	// GetProperty returns a previously stored property, or an error of
	// kind ioerr.NotFound if it was never set.
	GetProperty(ctx context.Context, replicaUUID, key string) ([]byte, error)

	// ListProperties returns every stored property for a replica.
	ListProperties(ctx context.Context, replicaUUID string) (map[string][]byte, error)

	// DeleteProperties removes every stored property for a replica, used
	// when a replica is destroyed.
	DeleteProperties(ctx context.Context, replicaUUID string) error

	// UpdateChildState persists a nexus child-state transition
	// (a PersistOp::Update).
	UpdateChildState(ctx context.Context, s ChildState) error

	// ChildStates returns the last-persisted state of every child of a
	// nexus, used to reconstruct nexus state after a process restart.
	ChildStates(ctx context.Context, nexusUUID string) ([]ChildState, error)

	// Close releases any resources (file handles, connections) held by
	// the store.
	Close() error
}
