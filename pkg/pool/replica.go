package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/internal/bytesize"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// ShareProtocol is the protocol a replica is exported over, persisted so
// that re-importing its pool restores the share automatically.
type ShareProtocol string

const (
	ShareOff    ShareProtocol = "off"
	ShareNvmeOf ShareProtocol = "nvmf"
)

// role distinguishes the three replica flavors. It is tracked
// for reporting only; the data-plane behavior difference between them
// lives entirely in blob's parent chain.
type role int

const (
	rolePlain role = iota
	roleSnapshot
	roleClone
)

// Replica is a thin-provisioned logical volume carved from a Pool.
type Replica struct {
	mu sync.Mutex

	Name     string
	UUID     uuid.UUID
	EntityID string

	pool *Pool
	role role

	size   bytesize.ByteSize
	thin   bool
	shared ShareProtocol

	// parentUUID is set only for clones: the snapshot they were cloned from.
	parentUUID *uuid.UUID
	// snapshots is every snapshot taken of this replica, live or discarded;
	// used to refuse destroying a replica with descendant snapshots.
	snapshots []uuid.UUID
	// clones is every live clone of this replica, meaningful only when
	// role == roleSnapshot.
	clones    map[uuid.UUID]bool
	discarded bool

	blob    *blob
	backend *replicaBackend
	device  *bdev.BlockDevice
}

// createReplica allocates a fresh, empty (all-thin) replica on p. Size is
// rounded up to a multiple of the pool's cluster size.
func createReplica(ctx context.Context, p *Pool, name string, size bytesize.ByteSize, id uuid.UUID, thin bool, entityID string) (*Replica, error) {
	clusterSize := p.clusterSize.Uint64()
	rounded := roundUpToCluster(size.Uint64(), clusterSize)

	r := &Replica{
		Name:     name,
		UUID:     id,
		EntityID: entityID,
		pool:     p,
		role:     rolePlain,
		size:     bytesize.ByteSize(rounded),
		thin:     thin,
		shared:   ShareOff,
		blob:     newBlob(p.clusters, nil),
	}

	if err := r.attachDevice(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func roundUpToCluster(size, clusterSize uint64) uint64 {
	if clusterSize == 0 {
		return size
	}
	if rem := size % clusterSize; rem != 0 {
		size += clusterSize - rem
	}
	if size == 0 {
		size = clusterSize
	}
	return size
}

// attachDevice builds this replica's bdev.Backend and registers a
// BlockDevice for it so the nexus layer can open it like any other child.
func (r *Replica) attachDevice(ctx context.Context) error {
	blockSize := r.pool.device.BlockSize
	blockCount := r.size.Uint64() / uint64(blockSize)

	r.backend = newReplicaBackend(r.pool.handle, r.blob, r.pool.clusterSize.Uint64(), blockSize, blockCount)
	r.backend.onCreateSnapshot = func(ctx context.Context, params bdev.SnapshotParams) (string, error) {
		return r.pool.CreateSnapshot(ctx, r.Name, SnapshotParams{
			EntityID:     params.EntityID,
			ParentID:     params.ParentID,
			TxnID:        params.TxnID,
			Name:         params.Name,
			SnapshotUUID: params.SnapshotUUID,
			CreateTime:   params.CreateTime,
		})
	}

	dev, err := bdev.NewBlockDevice(deviceName(r.UUID), "lvol", "pool", r.UUID.String(), blockSize, blockCount, r.pool.device.Alignment, r.backend)
	if err != nil {
		return err
	}
	if err := r.pool.registry.Register(dev); err != nil {
		return err
	}
	r.device = dev
	return nil
}

func deviceName(id uuid.UUID) string {
	return fmt.Sprintf("replica-%s", id)
}

// Size returns the replica's rounded logical size.
func (r *Replica) Size() bytesize.ByteSize {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// IsSnapshot reports whether this replica is a read-only point-in-time copy.
func (r *Replica) IsSnapshot() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == roleSnapshot
}

// IsClone reports whether this replica is a writable clone of a snapshot.
func (r *Replica) IsClone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == roleClone
}

// Share persists the chosen share protocol as a replica property (reserved
// key "shared") so a pool re-import restores it without the caller having
// to re-issue the share call.
func (r *Replica) Share(ctx context.Context, proto ShareProtocol) error {
	r.mu.Lock()
	r.shared = proto
	r.mu.Unlock()
	return r.pool.store.PutProperty(ctx, r.UUID.String(), propShared, []byte(proto))
}

// Shared returns the replica's persisted share protocol.
func (r *Replica) Shared() ShareProtocol {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shared
}

// Resize changes the replica's visible size. Shrinking is refused if any
// cluster past the new size is already allocated.
func (r *Replica) Resize(newSize bytesize.ByteSize) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clusterSize := r.pool.clusterSize.Uint64()
	rounded := roundUpToCluster(newSize.Uint64(), clusterSize)

	if rounded < r.size.Uint64() {
		firstDroppedCluster := rounded / clusterSize
		lastCluster := r.size.Uint64() / clusterSize
		for c := firstDroppedCluster; c < lastCluster; c++ {
			if _, ok := r.blob.ownedCluster(c); ok {
				return ioerr.New(ioerr.FailedPrecondition, "replica %s has allocated blocks past requested size", r.Name)
			}
		}
	}

	r.size = bytesize.ByteSize(rounded)
	newBlockCount := rounded / uint64(r.pool.device.BlockSize)

	r.backend.mu.Lock()
	r.backend.blockCount = newBlockCount
	r.backend.mu.Unlock()

	r.device.SetBlockCount(newBlockCount)
	return nil
}

// Device returns the bdev.BlockDevice registered for this replica, the URI
// a nexus child would reference it by (bdev:// + this device's name).
func (r *Replica) Device() *bdev.BlockDevice {
	return r.device
}
