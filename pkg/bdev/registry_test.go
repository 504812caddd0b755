package bdev

import (
	"testing"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	dev := newTestDevice(t)

	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := reg.Lookup(dev.Name)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != dev {
		t.Error("Lookup() returned a different device instance")
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	reg := NewRegistry()
	dev := newTestDevice(t)

	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(dev); !ioerr.Is(err, ioerr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestRegistry_LookupMissing(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup("nope"); !ioerr.Is(err, ioerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegistry_UnregisterRefusedWhileClaimed(t *testing.T) {
	reg := NewRegistry()
	dev := newTestDevice(t)
	if err := reg.Register(dev); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	guard, err := dev.Open(true, "nexus-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := reg.Unregister(dev.Name); !ioerr.Is(err, ioerr.FailedPrecondition) {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}

	guard.Close()
	if err := reg.Unregister(dev.Name); err != nil {
		t.Fatalf("Unregister() after release error = %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	a, _ := NewBlockDevice("a", "p", "d", "u1", 512, 1024, 512, &fakeBackend{blockSize: 512, blockCount: 1024})
	b, _ := NewBlockDevice("b", "p", "d", "u2", 512, 1024, 512, &fakeBackend{blockSize: 512, blockCount: 1024})
	_ = reg.Register(a)
	_ = reg.Register(b)

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(list))
	}
}
