package bdev

import (
	"sync"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Registry is the process-wide arena of named BlockDevices. Every backend
// that creates a device (malloc, aio, s3, or a namespace surfaced by the
// initiator) registers it here under a unique name; the nexus and pool
// layers look devices up by name rather than holding pointers handed
// around ad hoc, so a device's lifetime is owned by the registry and
// everything else borrows it.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*BlockDevice
}

// NewRegistry creates an empty registry. Most callers use the process-wide
// Global() registry; NewRegistry exists for tests that need isolation.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*BlockDevice)}
}

// Register adds dev to the registry. Returns AlreadyExists if a device
// with the same name is already registered.
func (r *Registry) Register(dev *BlockDevice) error {
	if dev == nil {
		return ioerr.New(ioerr.InvalidArgument, "cannot register nil block device")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[dev.Name]; exists {
		return ioerr.New(ioerr.AlreadyExists, "block device %q already registered", dev.Name)
	}
	r.devices[dev.Name] = dev
	return nil
}

// Lookup returns the named device or NotFound.
func (r *Registry) Lookup(name string) (*BlockDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[name]
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "block device %q not found", name)
	}
	return dev, nil
}

// Unregister removes a device from the registry. Refuses to do so while
// the device is claimed, since an owner is still relying on exclusive
// access to it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[name]
	if !ok {
		return ioerr.New(ioerr.NotFound, "block device %q not found", name)
	}
	if dev.IsClaimed() {
		return ioerr.New(ioerr.FailedPrecondition, "block device %q is claimed by %q", name, dev.ClaimHolder())
	}
	delete(r.devices, name)
	return nil
}

// List returns a snapshot of every registered device.
func (r *Registry) List() []*BlockDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BlockDevice, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	return out
}

var globalRegistry = NewRegistry()

// Global returns the process-wide block-device registry.
func Global() *Registry {
	return globalRegistry
}
