package bdev

import (
	"context"
	"sync"

	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/stats"
)

// BlockDevice is the identity and claim state layered over a Backend.
// BlockCount tracks the backend's current capacity; a caller whose backend
// grows or shrinks in place (e.g. a replica resize) must call SetBlockCount
// so every reader of this BlockDevice sees the new size. A caller that
// replaces the backend outright (pool growth) should build a new
// BlockDevice rather than mutate one in place.
type BlockDevice struct {
	mu sync.Mutex

	Name       string
	Product    string
	Driver     string
	UUID       string
	BlockSize  uint32
	BlockCount uint64
	Alignment  int

	backend     Backend
	claimed     bool
	claimHolder string
}

// NewBlockDevice validates alignment and wraps backend with identity.
func NewBlockDevice(name, product, driver, uuid string, blockSize uint32, blockCount uint64, alignment int, backend Backend) (*BlockDevice, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "alignment %d is not a power of two", alignment)
	}
	if blockSize == 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "block size must be non-zero")
	}
	return &BlockDevice{
		Name:       name,
		Product:    product,
		Driver:     driver,
		UUID:       uuid,
		BlockSize:  blockSize,
		BlockCount: blockCount,
		Alignment:  alignment,
		backend:    backend,
	}, nil
}

// IsClaimed reports whether the device currently has an exclusive (R/W)
// descriptor outstanding.
func (d *BlockDevice) IsClaimed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed
}

// ClaimHolder returns the identifier passed to Open by the current claim
// holder, or "" if unclaimed.
func (d *BlockDevice) ClaimHolder() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimHolder
}

// SetBlockCount updates the device's block count in place, so every holder
// of this *BlockDevice — a Handle, a nexus child, a registry listing —
// observes the new capacity immediately.
func (d *BlockDevice) SetBlockCount(blockCount uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.BlockCount = blockCount
}

// Open acquires a descriptor on the device. readWrite requests an
// exclusive claim; a second claim attempt while one is outstanding fails
// with FailedPrecondition (AlreadyClaimed) so a nexus can rely on claim
// failure to detect a child already owned elsewhere. Read-only opens never
// claim and may be issued concurrently.
func (d *BlockDevice) Open(readWrite bool, holder string) (*DescriptorGuard, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if readWrite {
		if d.claimed {
			return nil, ioerr.New(ioerr.FailedPrecondition, "device %s already claimed by %q", d.Name, d.claimHolder)
		}
		d.claimed = true
		d.claimHolder = holder
	}

	return &DescriptorGuard{device: d, claim: readWrite}, nil
}

func (d *BlockDevice) releaseClaim() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = false
	d.claimHolder = ""
}

// Close releases the backend's resources. The device must not be
// registered (or must already be unregistered) before calling this.
func (d *BlockDevice) Close() error {
	return d.backend.Close()
}

// DescriptorGuard is the scoped-acquisition handle returned by Open. It
// must be turned into a Handle via IntoHandle, or closed directly if the
// caller only needed to probe claim availability.
type DescriptorGuard struct {
	device   *BlockDevice
	claim    bool
	released bool
	mu       sync.Mutex
}

// IntoHandle converts the descriptor into a Handle for issuing I/O. The
// descriptor is consumed; releasing the returned Handle releases the
// claim.
func (g *DescriptorGuard) IntoHandle() *Handle {
	return &Handle{device: g.device, guard: g}
}

// Close releases the claim (if any) without converting to a Handle.
func (g *DescriptorGuard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if g.claim {
		g.device.releaseClaim()
	}
}

// Handle is a per-reactor I/O handle on a BlockDevice. It is owned
// exclusively by whichever goroutine acquired it; releasing it on every
// exit path (including error paths) is the caller's responsibility, the
// same scoped-acquisition discipline I/O channels require.
type Handle struct {
	device *BlockDevice
	guard  *DescriptorGuard
}

func (h *Handle) ReadAt(ctx context.Context, buf *DmaBuf, offset uint64) Status {
	return h.device.backend.ReadAt(ctx, buf, offset)
}

func (h *Handle) WriteAt(ctx context.Context, buf *DmaBuf, offset uint64) Status {
	return h.device.backend.WriteAt(ctx, buf, offset)
}

func (h *Handle) WriteZeroesAt(ctx context.Context, offset, length uint64) Status {
	return h.device.backend.WriteZeroesAt(ctx, offset, length)
}

func (h *Handle) Reset(ctx context.Context) Status {
	return h.device.backend.Reset(ctx)
}

func (h *Handle) CreateSnapshot(ctx context.Context, params SnapshotParams) (string, Status) {
	return h.device.backend.CreateSnapshot(ctx, params)
}

func (h *Handle) Stats() stats.Snapshot {
	return h.device.backend.Stats()
}

func (h *Handle) BlockSize() uint32 {
	return h.device.BlockSize
}

func (h *Handle) BlockCount() uint64 {
	return h.device.BlockCount
}

func (h *Handle) Alignment() int {
	return h.device.Alignment
}

func (h *Handle) Device() *BlockDevice {
	return h.device
}

// Close releases the descriptor this handle was created from.
func (h *Handle) Close() {
	h.guard.Close()
}
