// Package persisttest provides a backend-agnostic conformance suite run
// against every persist.Store implementation (memory, badger, postgres).
package persisttest

import (
	"context"
	"testing"

	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/persist"
)

// StoreFactory creates a fresh Store instance for each test. Factories that
// need a filesystem path should use t.TempDir(); factories that need
// teardown should register it with t.Cleanup().
type StoreFactory func(t *testing.T) persist.Store

// RunConformanceSuite exercises the full persist.Store contract against
// the store produced by factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("PropertyRoundTrip", func(t *testing.T) { runPropertyRoundTrip(t, factory) })
	t.Run("PropertyNotFound", func(t *testing.T) { runPropertyNotFound(t, factory) })
	t.Run("ListAndDeleteProperties", func(t *testing.T) { runListAndDeleteProperties(t, factory) })
	t.Run("ChildStateRoundTrip", func(t *testing.T) { runChildStateRoundTrip(t, factory) })
}

func runPropertyRoundTrip(t *testing.T, factory StoreFactory) {
	t.Helper()
	store := factory(t)
	ctx := context.Background()

	replicaUUID := "11111111-1111-1111-1111-111111111111"
	if err := store.PutProperty(ctx, replicaUUID, "entity_id", []byte("e1")); err != nil {
		t.Fatalf("PutProperty() error = %v", err)
	}

	got, err := store.GetProperty(ctx, replicaUUID, "entity_id")
	if err != nil {
		t.Fatalf("GetProperty() error = %v", err)
	}
	if string(got) != "e1" {
		t.Errorf("GetProperty() = %q, want %q", got, "e1")
	}

	// Overwrite.
	if err := store.PutProperty(ctx, replicaUUID, "entity_id", []byte("e2")); err != nil {
		t.Fatalf("PutProperty() overwrite error = %v", err)
	}
	got, err = store.GetProperty(ctx, replicaUUID, "entity_id")
	if err != nil {
		t.Fatalf("GetProperty() after overwrite error = %v", err)
	}
	if string(got) != "e2" {
		t.Errorf("GetProperty() after overwrite = %q, want %q", got, "e2")
	}
}

func runPropertyNotFound(t *testing.T, factory StoreFactory) {
	t.Helper()
	store := factory(t)
	ctx := context.Background()

	_, err := store.GetProperty(ctx, "unknown-replica", "uuid")
	if !ioerr.Is(err, ioerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func runListAndDeleteProperties(t *testing.T, factory StoreFactory) {
	t.Helper()
	store := factory(t)
	ctx := context.Background()
	replicaUUID := "22222222-2222-2222-2222-222222222222"

	for _, kv := range [][2]string{{"tx_id", "1"}, {"parent_id", "p0"}, {"shared", "NVMe-oF"}} {
		if err := store.PutProperty(ctx, replicaUUID, kv[0], []byte(kv[1])); err != nil {
			t.Fatalf("PutProperty(%q) error = %v", kv[0], err)
		}
	}

	props, err := store.ListProperties(ctx, replicaUUID)
	if err != nil {
		t.Fatalf("ListProperties() error = %v", err)
	}
	if len(props) != 3 {
		t.Fatalf("ListProperties() returned %d entries, want 3", len(props))
	}

	if err := store.DeleteProperties(ctx, replicaUUID); err != nil {
		t.Fatalf("DeleteProperties() error = %v", err)
	}
	props, err = store.ListProperties(ctx, replicaUUID)
	if err != nil {
		t.Fatalf("ListProperties() after delete error = %v", err)
	}
	if len(props) != 0 {
		t.Errorf("ListProperties() after delete returned %d entries, want 0", len(props))
	}
}

func runChildStateRoundTrip(t *testing.T, factory StoreFactory) {
	t.Helper()
	store := factory(t)
	ctx := context.Background()
	nexusUUID := "33333333-3333-3333-3333-333333333333"

	states := []persist.ChildState{
		{NexusUUID: nexusUUID, ChildURI: "malloc:///r0", NewState: "Open"},
		{NexusUUID: nexusUUID, ChildURI: "malloc:///r1", NewState: "Faulted", Reason: "OutOfSync"},
	}
	for _, st := range states {
		if err := store.UpdateChildState(ctx, st); err != nil {
			t.Fatalf("UpdateChildState(%+v) error = %v", st, err)
		}
	}

	got, err := store.ChildStates(ctx, nexusUUID)
	if err != nil {
		t.Fatalf("ChildStates() error = %v", err)
	}
	if len(got) != len(states) {
		t.Fatalf("ChildStates() returned %d entries, want %d", len(got), len(states))
	}

	// Update the same child again; it should replace, not append.
	if err := store.UpdateChildState(ctx, persist.ChildState{
		NexusUUID: nexusUUID, ChildURI: "malloc:///r1", NewState: "Open",
	}); err != nil {
		t.Fatalf("UpdateChildState() replace error = %v", err)
	}
	got, err = store.ChildStates(ctx, nexusUUID)
	if err != nil {
		t.Fatalf("ChildStates() after replace error = %v", err)
	}
	if len(got) != len(states) {
		t.Fatalf("ChildStates() after replace returned %d entries, want %d", len(got), len(states))
	}
}
