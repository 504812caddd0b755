// Package nexus implements the replication layer: it opens a set
// of children (local bdevs or remote nvmf-attached replicas), fans writes
// out to every writable child, serves reads from a single healthy child,
// and tracks each child's own state independently of the nexus's own
// lifecycle. It sits on top of pkg/bdev (child handles),
// pkg/nvmf/initiator (remote children), pkg/nvmf/target (publishing,
// pause/resume), and pkg/persist (child-state transitions).
package nexus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/faultinject"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/initiator"
	"github.com/io-engine/io-engine/pkg/nvmf/target"
	"github.com/io-engine/io-engine/pkg/persist"
	"github.com/io-engine/io-engine/pkg/stats"
	"github.com/io-engine/io-engine/pkg/uri"
)

// persistTimeout bounds the fire-and-forget child-state persistence a
// data-path fault triggers, so a wedged store can't leak goroutines.
const persistTimeout = 5 * time.Second

// Nexus fans I/O out to (writes) or selects among (reads) a set of
// children, all of which are expected to hold the same data.
type Nexus struct {
	Name string
	UUID uuid.UUID
	Size uint64

	blockSize uint32

	mu       sync.RWMutex
	state    State
	children []*Child
	readNext int

	ioLock sync.RWMutex
	paused bool

	registry    *bdev.Registry
	initReg     *initiator.Registry
	store       persist.Store
	subsystem   *target.Subsystem
	stats       stats.Counters
	injector    *faultinject.Registry

	// retired holds the URI of every child last removed via Retire rather
	// than RemoveChild or a fault; AddChild consults it to decide whether
	// re-adding that URI needs a rebuild.
	retired map[string]bool
}

// Store returns the persistent-store collaborator this nexus was created
// with, so a collaborator like pkg/rebuild can persist its own state (a
// rebuild checkpoint) through the same store rather than needing one
// threaded in separately.
func (n *Nexus) Store() persist.Store {
	return n.store
}

// InstallFaultInjection attaches a fault-injection registry to the nexus;
// every subsequent read/write dispatch is checked against it first. A nil
// or disabled registry (the default) never changes dispatch behavior.
func (n *Nexus) InstallFaultInjection(r *faultinject.Registry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.injector = r
}

// checkInjection asks the installed fault-injection registry, if any,
// whether c should be faulted for op right now.
func (n *Nexus) checkInjection(c *Child, op uri.InjectOp) error {
	n.mu.RLock()
	injector := n.injector
	n.mu.RUnlock()
	if injector == nil {
		return nil
	}
	return injector.Check(c.Name, op)
}

// Create opens every childURI, claiming each one; if any child fails to
// open, every already-opened child is closed and the error is returned —
// open on all-success, else roll back and close all. size is validated
// against each child's geometry after subtracting dataOffset, and the
// nexus's own block size is the minimum block length across all children.
func Create(ctx context.Context, registry *bdev.Registry, initReg *initiator.Registry, store persist.Store, name string, id uuid.UUID, size uint64, dataOffset uint64, childURIs []string) (*Nexus, error) {
	if len(childURIs) == 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "nexus %s requires at least one child", name)
	}

	n := &Nexus{
		Name:     name,
		UUID:     id,
		Size:     size,
		registry: registry,
		initReg:  initReg,
		store:    store,
	}

	opened := make([]*Child, 0, len(childURIs))
	rollback := func() {
		for _, c := range opened {
			c.close(ctx)
		}
	}

	var minBlockSize uint32
	for i, childURI := range childURIs {
		c, err := openChild(ctx, name, i, childURI, registry, initReg)
		if err != nil {
			rollback()
			return nil, ioerr.Wrap(ioerr.FailedPrecondition, err, "opening child %s", childURI)
		}
		opened = append(opened, c)

		capacity := c.device.BlockCount * uint64(c.device.BlockSize)
		if capacity < size+dataOffset {
			rollback()
			return nil, ioerr.New(ioerr.InvalidArgument, "child %s capacity %d is smaller than size %d + data_offset %d", childURI, capacity, size, dataOffset)
		}
		if minBlockSize == 0 || c.device.BlockSize < minBlockSize {
			minBlockSize = c.device.BlockSize
		}
		c.setState(ChildOpen, FaultNone)
	}

	n.blockSize = minBlockSize
	n.children = opened
	n.state = Open

	for _, c := range opened {
		n.persistChildState(ctx, c, true)
	}

	logger.Info("nexus created", "nexus", name, "uuid", id, "children", len(opened))
	return n, nil
}

// Publish installs sub as the subsystem this nexus publishes through, so
// Pause/Resume quiesce the fabric-facing side too.
func (n *Nexus) Publish(sub *target.Subsystem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subsystem = sub
}

// State returns the nexus's own lifecycle state.
func (n *Nexus) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Children returns a snapshot of the nexus's current child set.
func (n *Nexus) Children() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

// ChildByURI returns the child with the given URI.
func (n *Nexus) ChildByURI(childURI string) (*Child, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.children {
		if c.URI == childURI {
			return c, nil
		}
	}
	return nil, ioerr.New(ioerr.NotFound, "nexus %s has no child %s", n.Name, childURI)
}

func (n *Nexus) writableChildren() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, 0, len(n.children))
	for _, c := range n.children {
		if c.Writable() {
			out = append(out, c)
		}
	}
	return out
}

// WriteAt fans the write out to every writable child. The parent
// completes once every fork completion returns; a failure on one child
// faults that child (IoError, or NoSpace when the backend reports
// exhaustion) without failing the whole write. The nexus write succeeds
// if at least one writable child remains after the fan-out, else fails
//
func (n *Nexus) WriteAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	children := n.writableChildren()
	if len(children) == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}

	n.ioLock.RLock()
	defer n.ioLock.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]bdev.Status, len(children))
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			if err := n.checkInjection(c, uri.InjectOpWrite); err != nil {
				results[i] = bdev.IoErrorStatus(bdev.MediaWriteFault)
				return nil
			}
			results[i] = c.handle.WriteAt(gctx, buf, offset)
			return nil
		})
	}
	_ = g.Wait()

	survivors := 0
	for i, c := range children {
		status := results[i]
		if status.Success {
			survivors++
			continue
		}
		n.faultChild(ctx, c, status)
	}

	n.stats.RecordWrite(uint64(buf.Len()), 0)
	if survivors == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}
	return bdev.OK()
}

// faultChild transitions c to Faulted with the reason implied by status,
// persisting the transition without blocking the I/O path on the store
// (the persistence hook).
func (n *Nexus) faultChild(ctx context.Context, c *Child, status bdev.Status) {
	reason := FaultIoError
	if status.Media == bdev.MediaNoSpace {
		reason = FaultNoSpace
	}
	c.setState(ChildFaulted, reason)
	n.persistChildState(ctx, c, false)
	logger.Warn("nexus child faulted", "nexus", n.Name, "child", c.URI, "reason", reason.String())
}

// ReadAt selects a single healthy child round-robin, retrying on another
// child when one returns a media or transport error, and fails only once
// every writable child has been tried.
func (n *Nexus) ReadAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	children := n.writableChildren()
	if len(children) == 0 {
		return bdev.IoErrorStatus(bdev.MediaUnrecoveredReadError)
	}

	n.ioLock.RLock()
	defer n.ioLock.RUnlock()

	n.mu.Lock()
	start := n.readNext % len(children)
	n.readNext++
	n.mu.Unlock()

	for i := 0; i < len(children); i++ {
		c := children[(start+i)%len(children)]
		var status bdev.Status
		if err := n.checkInjection(c, uri.InjectOpRead); err != nil {
			status = bdev.IoErrorStatus(bdev.MediaUnrecoveredReadError)
		} else {
			status = c.handle.ReadAt(ctx, buf, offset)
		}
		if status.Success {
			n.stats.RecordRead(uint64(buf.Len()), 0)
			return status
		}
		n.faultChild(ctx, c, status)
	}
	return bdev.IoErrorStatus(bdev.MediaUnrecoveredReadError)
}

// WriteZeroesAt fans out the same way WriteAt does.
func (n *Nexus) WriteZeroesAt(ctx context.Context, offset, length uint64) bdev.Status {
	children := n.writableChildren()
	if len(children) == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}

	n.ioLock.RLock()
	defer n.ioLock.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]bdev.Status, len(children))
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			if err := n.checkInjection(c, uri.InjectOpWrite); err != nil {
				results[i] = bdev.IoErrorStatus(bdev.MediaWriteFault)
				return nil
			}
			results[i] = c.handle.WriteZeroesAt(gctx, offset, length)
			return nil
		})
	}
	_ = g.Wait()

	survivors := 0
	for i, c := range children {
		if results[i].Success {
			survivors++
			continue
		}
		n.faultChild(ctx, c, results[i])
	}
	if survivors == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}
	return bdev.OK()
}

// Reset fans out to every writable child the same way a write does.
func (n *Nexus) Reset(ctx context.Context) bdev.Status {
	children := n.writableChildren()
	if len(children) == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}

	n.ioLock.RLock()
	defer n.ioLock.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]bdev.Status, len(children))
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			if err := n.checkInjection(c, uri.InjectOpWrite); err != nil {
				results[i] = bdev.IoErrorStatus(bdev.MediaWriteFault)
				return nil
			}
			results[i] = c.handle.Reset(gctx)
			return nil
		})
	}
	_ = g.Wait()

	survivors := 0
	for i, c := range children {
		if results[i].Success {
			survivors++
			continue
		}
		n.faultChild(ctx, c, results[i])
	}
	if survivors == 0 {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}
	return bdev.OK()
}

// BlockSize returns the nexus's own block size (the minimum across its
// children, fixed at Create).
func (n *Nexus) BlockSize() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.blockSize
}

// Stats returns the nexus's own cumulative I/O counters.
func (n *Nexus) Stats() stats.Snapshot {
	return n.stats.Snapshot()
}

// AddChildOptions configures how AddChild treats a newly (re-)attached
// child.
type AddChildOptions struct {
	// ForceRebuild schedules a rebuild even for a URI this nexus
	// previously released through Retire, where the default is to trust
	// the retired copy's contents and skip the rebuild.
	ForceRebuild bool
}

// AddChild opens a new child, validates its geometry against the nexus's
// existing size, and persists the transition. A child whose URI was never
// retired from this nexus (a brand new child, or one removed via
// RemoveChild/a fault) comes back Faulted(OutOfSync): a newly attached
// child is never trusted until rebuilt, and starting that rebuild is the
// caller's responsibility (typically pkg/rebuild, driven by the control
// plane) once AddChild returns. A child whose URI was retired comes back
// straight into Open unless opts.ForceRebuild is set, since a gracefully
// retired copy is assumed still in sync.
func (n *Nexus) AddChild(ctx context.Context, childURI string, opts AddChildOptions) (*Child, error) {
	n.mu.Lock()
	index := len(n.children)
	wasRetired := n.retired[childURI]
	n.mu.Unlock()

	c, err := openChild(ctx, n.Name, index, childURI, n.registry, n.initReg)
	if err != nil {
		return nil, err
	}

	capacity := c.device.BlockCount * uint64(c.device.BlockSize)
	if capacity < n.Size {
		c.close(ctx)
		return nil, ioerr.New(ioerr.InvalidArgument, "child %s capacity %d is smaller than nexus size %d", childURI, capacity, n.Size)
	}

	if wasRetired && !opts.ForceRebuild {
		c.setState(ChildOpen, FaultNone)
	} else {
		c.setState(ChildFaulted, FaultOutOfSync)
	}

	n.mu.Lock()
	n.children = append(n.children, c)
	delete(n.retired, childURI)
	n.mu.Unlock()

	n.persistChildState(ctx, c, true)
	logger.Info("nexus child added", "nexus", n.Name, "child", childURI, "rebuild_needed", c.State() == ChildFaulted)
	return c, nil
}

// RemoveChild closes the child's claim, destroying its backing device if
// the nexus owns it (an attached nvmf controller), persists the removal
// as Closed with reason AdminClosed, and drops it from the child set. Re-adding the
// same URI afterwards always rebuilds from scratch; use Retire instead
// when the child is known to still be in sync with the nexus.
func (n *Nexus) RemoveChild(ctx context.Context, childURI string) error {
	return n.removeChild(ctx, childURI, false)
}

// Retire closes and drops childURI the same way RemoveChild does, for a
// graceful, operator-initiated removal rather than an error response —
// taking a child offline for planned maintenance, say. Unlike
// RemoveChild, re-adding the same URI later through AddChild skips the
// rebuild by default, since the child's contents are assumed to still be
// in sync; pass AddChildOptions{ForceRebuild: true} to override that.
func (n *Nexus) Retire(ctx context.Context, childURI string) error {
	return n.removeChild(ctx, childURI, true)
}

func (n *Nexus) removeChild(ctx context.Context, childURI string, retire bool) error {
	n.mu.Lock()
	idx := -1
	for i, c := range n.children {
		if c.URI == childURI {
			idx = i
			break
		}
	}
	if idx == -1 {
		n.mu.Unlock()
		return ioerr.New(ioerr.NotFound, "nexus %s has no child %s", n.Name, childURI)
	}
	c := n.children[idx]
	n.children = append(n.children[:idx], n.children[idx+1:]...)
	if retire {
		if n.retired == nil {
			n.retired = make(map[string]bool)
		}
		n.retired[childURI] = true
	} else {
		delete(n.retired, childURI)
	}
	n.mu.Unlock()

	c.close(ctx)
	c.setState(ChildClosed, FaultAdminClosed)
	n.persistChildState(ctx, c, true)
	if retire {
		logger.Info("nexus child retired", "nexus", n.Name, "child", childURI)
	} else {
		logger.Info("nexus child removed", "nexus", n.Name, "child", childURI)
	}
	return nil
}

// BeginRebuild marks childURI as the destination of a rebuild job,
// rejecting the call if a rebuild is already running against it — at
// most one rebuild per destination is permitted. It returns the child so
// pkg/rebuild can read its Handle without reaching into nexus internals.
func (n *Nexus) BeginRebuild(childURI string) (*Child, error) {
	c, err := n.ChildByURI(childURI)
	if err != nil {
		return nil, err
	}
	if !c.rebuilding.CompareAndSwap(false, true) {
		return nil, ioerr.New(ioerr.FailedPrecondition, "nexus %s child %s already has a rebuild in progress", n.Name, childURI)
	}
	return c, nil
}

// CompleteRebuild transitions childURI to Open and persists the
// transition once its rebuild job has copied every segment.
func (n *Nexus) CompleteRebuild(ctx context.Context, childURI string) error {
	c, err := n.ChildByURI(childURI)
	if err != nil {
		return err
	}
	c.rebuilding.Store(false)
	c.setState(ChildOpen, FaultNone)
	n.persistChildState(ctx, c, true)
	logger.Info("nexus child rebuild completed", "nexus", n.Name, "child", childURI)
	return nil
}

// FailRebuild transitions childURI to Faulted(RebuildFailed) and persists
// the transition after its rebuild job hits an unrecoverable read or
// write error.
func (n *Nexus) FailRebuild(ctx context.Context, childURI string, rebuildErr error) error {
	c, err := n.ChildByURI(childURI)
	if err != nil {
		return err
	}
	c.rebuilding.Store(false)
	c.setState(ChildFaulted, FaultRebuildFailed)
	n.persistChildState(ctx, c, true)
	logger.Warn("nexus child rebuild failed", "nexus", n.Name, "child", childURI, "error", rebuildErr)
	return nil
}

// CancelRebuild clears the rebuilding flag on childURI without changing
// its state. It backs the case where cancelling a child that is acting
// as a rebuild's source terminates that rebuild: the source child itself
// was never marked rebuilding, but any destination whose rebuild depended
// on it must stop claiming exclusivity over that destination.
func (n *Nexus) CancelRebuild(childURI string) error {
	c, err := n.ChildByURI(childURI)
	if err != nil {
		return err
	}
	c.rebuilding.Store(false)
	return nil
}

// Pause quiesces the nexus's publishing subsystem (if any), waits for
// every in-flight read/write to drain, and blocks new I/O submission
// until Resume is called — the prerequisite for a consistent nexus-level
// snapshot.
func (n *Nexus) Pause(ctx context.Context) error {
	if n.subsystem != nil {
		n.subsystem.Pause()
	}
	n.ioLock.Lock()
	n.paused = true
	return nil
}

// Resume un-quiesces the nexus after a prior Pause.
func (n *Nexus) Resume(ctx context.Context) error {
	n.paused = false
	n.ioLock.Unlock()
	if n.subsystem != nil {
		n.subsystem.Resume()
	}
	return nil
}

// persistChildState emits the child's current (state, reason) to the
// persistent-store collaborator. Admin-triggered transitions (create,
// add, remove) block on the store; data-path faults do not, so a slow or
// unavailable store can never stall the I/O path.
func (n *Nexus) persistChildState(ctx context.Context, c *Child, blocking bool) {
	if n.store == nil {
		return
	}
	rec := persist.ChildState{
		NexusUUID: n.UUID.String(),
		ChildURI:  c.URI,
		NewState:  Label(c.State(), c.FaultReason()),
		Reason:    c.FaultReason().String(),
	}

	if blocking {
		if err := n.store.UpdateChildState(ctx, rec); err != nil {
			logger.Warn("nexus child-state persist failed", "nexus", n.Name, "child", c.URI, "error", err)
		}
		return
	}

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := n.store.UpdateChildState(pctx, rec); err != nil {
			logger.Warn("nexus child-state persist failed", "nexus", n.Name, "child", c.URI, "error", err)
		}
	}()
}
