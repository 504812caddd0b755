package nexus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/initiator"
	"github.com/io-engine/io-engine/pkg/uri"
)

// Child is one device a nexus fans reads and writes across. A child is
// either a locally-published bdev (looked up by name in the nexus's
// registry) or a remote replica reached over nvmf (attached through
// pkg/nvmf/initiator at open time); both end up as the same thing from
// the nexus's point of view, a claimed *bdev.Handle.
type Child struct {
	URI  string
	Name string
	UUID uuid.UUID

	device *bdev.BlockDevice
	guard  *bdev.DescriptorGuard
	handle *bdev.Handle

	// owned is true when the nexus attached this child itself (an nvmf
	// child, via the initiator) rather than borrowing an
	// already-published local device; only an owned child's backing
	// controller is torn down on RemoveChild.
	owned bool
	ctrl  *initiator.Controller

	mu     sync.RWMutex
	state  ChildState
	reason FaultReason

	rebuilding atomic.Bool
}

// openChild resolves childURI to a claimed handle: a bdev:// URI is
// looked up in registry by name; an nvmf:// URI is attached fresh
// through the initiator, named after the nexus and the child's position
// so repeated attach attempts don't collide.
func openChild(ctx context.Context, nexusName string, index int, childURI string, registry *bdev.Registry, initReg *initiator.Registry) (*Child, error) {
	dev, err := uri.ParseDevice(childURI)
	if err != nil {
		return nil, err
	}

	c := &Child{URI: childURI, state: ChildInit}

	switch dev.Scheme {
	case uri.SchemeBdev:
		blockDev, err := registry.Lookup(dev.Name)
		if err != nil {
			return nil, err
		}
		guard, err := blockDev.Open(true, "nexus:"+nexusName)
		if err != nil {
			return nil, err
		}
		c.device = blockDev
		c.guard = guard
		c.handle = guard.IntoHandle()
		c.Name = blockDev.Name
		if parsed, err := uuid.Parse(blockDev.UUID); err == nil {
			c.UUID = parsed
		}

	case uri.SchemeNvmf:
		controllerName := fmt.Sprintf("%s-child%d", nexusName, index)
		ctrl, err := initiator.Connect(ctx, controllerName, dev, initiator.ControllerOptions{HostNQN: dev.HostNQN}, initReg, registry)
		if err != nil {
			return nil, err
		}
		blockDev := ctrl.BlockDevice()
		guard, err := blockDev.Open(true, "nexus:"+nexusName)
		if err != nil {
			ctrl.Destroy(ctx)
			return nil, err
		}
		c.device = blockDev
		c.guard = guard
		c.handle = guard.IntoHandle()
		c.Name = blockDev.Name
		c.UUID = dev.UUID
		c.owned = true
		c.ctrl = ctrl

	default:
		return nil, ioerr.New(ioerr.InvalidArgument, "unsupported nexus child scheme %q", dev.Scheme)
	}

	return c, nil
}

// close releases the child's claim (and, if owned, tears down the
// initiator controller behind it) without destroying the backing device.
func (c *Child) close(ctx context.Context) {
	if c.guard != nil {
		c.guard.Close()
	}
	if c.owned && c.ctrl != nil {
		c.ctrl.Destroy(ctx)
	}
}

func (c *Child) setState(state ChildState, reason FaultReason) {
	c.mu.Lock()
	c.state = state
	c.reason = reason
	c.mu.Unlock()
}

// State returns the child's current state.
func (c *Child) State() ChildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// FaultReason returns the qualifying reason when State is ChildFaulted.
func (c *Child) FaultReason() FaultReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// Writable reports whether the child currently accepts fan-out writes.
func (c *Child) Writable() bool {
	return c.State() == ChildOpen
}

// Rebuilding reports whether a rebuild job currently owns this child as
// its destination. At most one rebuild per destination is permitted.
func (c *Child) Rebuilding() bool {
	return c.rebuilding.Load()
}

// Handle returns the child's claimed I/O handle, for use by the rebuild
// engine and nexus snapshot path.
func (c *Child) Handle() *bdev.Handle {
	return c.handle
}
