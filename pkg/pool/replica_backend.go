package pool

import (
	"context"
	"sync"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/stats"
)

// replicaBackend presents one replica's logical address space as a
// bdev.Backend, translating every I/O into cluster-granular operations
// against the pool's base device through blob's extent map. It is the
// thin-provisioning and copy-on-write engine: a write to a logical cluster
// this replica has never touched allocates (or, for a
// clone reading through to its snapshot, copy-on-writes) a fresh physical
// cluster on the base device; reads of an untouched cluster return zeroes
// or the ancestor's data instead of failing.
type replicaBackend struct {
	mu          sync.RWMutex
	poolHandle  *bdev.Handle
	blob        *blob
	clusterSize uint64
	blockSize   uint32
	blockCount  uint64
	counters    stats.Counters
	closed      bool

	// onCreateSnapshot lets a nexus (or any other caller using the generic
	// bdev.Backend.CreateSnapshot entry point) trigger the pool-level
	// snapshot machinery in replica.go without replica_backend depending
	// on Replica's public API shape.
	onCreateSnapshot func(ctx context.Context, params bdev.SnapshotParams) (string, error)
}

var _ bdev.Backend = (*replicaBackend)(nil)

func newReplicaBackend(poolHandle *bdev.Handle, b *blob, clusterSize uint64, blockSize uint32, blockCount uint64) *replicaBackend {
	return &replicaBackend{
		poolHandle:  poolHandle,
		blob:        b,
		clusterSize: clusterSize,
		blockSize:   blockSize,
		blockCount:  blockCount,
	}
}

func (r *replicaBackend) ReadAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return bdev.InvalidStatus(bdev.GenericInvalidField)
	}

	out := buf.Bytes()
	consumed := 0
	for consumed < len(out) {
		logical := (offset + uint64(consumed)) / r.clusterSize
		withinCluster := (offset + uint64(consumed)) % r.clusterSize
		chunk := r.clusterSize - withinCluster
		if remaining := uint64(len(out) - consumed); chunk > remaining {
			chunk = remaining
		}

		physical, ok := r.blob.resolveRead(logical)
		if !ok {
			// never written by this replica or any ancestor: reads as zero
			clear(out[consumed : uint64(consumed)+chunk])
		} else if status := r.readCluster(ctx, physical, withinCluster, out[consumed:uint64(consumed)+chunk]); status.Err() != nil {
			return status
		}
		consumed += int(chunk)
	}

	r.counters.RecordRead(uint64(len(out)), 0)
	return bdev.OK()
}

func (r *replicaBackend) readCluster(ctx context.Context, physical, withinCluster uint64, dst []byte) bdev.Status {
	tmp, err := bdev.NewDmaBuf(int(r.clusterSize), int(r.blockSize))
	if err != nil {
		return bdev.InvalidStatus(bdev.GenericInternalError)
	}
	defer tmp.Release()

	status := r.poolHandle.ReadAt(ctx, tmp, physical*r.clusterSize)
	if status.Err() != nil {
		return status
	}
	copy(dst, tmp.Bytes()[withinCluster:withinCluster+uint64(len(dst))])
	return bdev.OK()
}

func (r *replicaBackend) WriteAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bdev.InvalidStatus(bdev.GenericInvalidField)
	}

	in := buf.Bytes()
	consumed := 0
	for consumed < len(in) {
		logical := (offset + uint64(consumed)) / r.clusterSize
		withinCluster := (offset + uint64(consumed)) % r.clusterSize
		chunk := r.clusterSize - withinCluster
		if remaining := uint64(len(in) - consumed); chunk > remaining {
			chunk = remaining
		}

		if status := r.writeIntoCluster(ctx, logical, withinCluster, in[consumed:uint64(consumed)+chunk]); status.Err() != nil {
			return status
		}
		consumed += int(chunk)
	}

	r.counters.RecordWrite(uint64(len(in)), 0)
	return bdev.OK()
}

// writeIntoCluster writes src at withinCluster offset of logical cluster
// logical, allocating and copy-on-writing a fresh physical cluster first if
// this replica does not already own one.
func (r *replicaBackend) writeIntoCluster(ctx context.Context, logical, withinCluster uint64, src []byte) bdev.Status {
	if physical, ok := r.blob.ownedCluster(logical); ok {
		return r.writeCluster(ctx, physical, withinCluster, src)
	}

	// Not owned yet: read the full current image of the cluster (from an
	// ancestor, or zero) before allocating, so a partial write preserves
	// the bytes it does not touch.
	full := make([]byte, r.clusterSize)
	if ancestor, ok := r.blob.resolveRead(logical); ok {
		tmp, err := bdev.NewDmaBuf(int(r.clusterSize), int(r.blockSize))
		if err != nil {
			return bdev.InvalidStatus(bdev.GenericInternalError)
		}
		status := r.poolHandle.ReadAt(ctx, tmp, ancestor*r.clusterSize)
		if status.Err() != nil {
			tmp.Release()
			return status
		}
		copy(full, tmp.Bytes())
		tmp.Release()
	}
	copy(full[withinCluster:], src)

	physical, ok := r.blob.allocateOwn(logical)
	if !ok {
		return bdev.NoSpaceStatus()
	}

	tmp, err := bdev.NewDmaBuf(int(r.clusterSize), int(r.blockSize))
	if err != nil {
		return bdev.InvalidStatus(bdev.GenericInternalError)
	}
	defer tmp.Release()
	copy(tmp.Bytes(), full)
	return r.poolHandle.WriteAt(ctx, tmp, physical*r.clusterSize)
}

func (r *replicaBackend) writeCluster(ctx context.Context, physical, withinCluster uint64, src []byte) bdev.Status {
	tmp, err := bdev.NewDmaBuf(int(r.clusterSize), int(r.blockSize))
	if err != nil {
		return bdev.InvalidStatus(bdev.GenericInternalError)
	}
	defer tmp.Release()

	if status := r.poolHandle.ReadAt(ctx, tmp, physical*r.clusterSize); status.Err() != nil {
		return status
	}
	copy(tmp.Bytes()[withinCluster:], src)
	return r.poolHandle.WriteAt(ctx, tmp, physical*r.clusterSize)
}

func (r *replicaBackend) WriteZeroesAt(ctx context.Context, offset, length uint64) bdev.Status {
	zero := make([]byte, length)
	buf, err := bdev.NewDmaBuf(int(length), int(r.blockSize))
	if err != nil {
		return bdev.InvalidStatus(bdev.GenericInternalError)
	}
	defer buf.Release()
	copy(buf.Bytes(), zero)
	return r.WriteAt(ctx, buf, offset)
}

func (r *replicaBackend) Reset(ctx context.Context) bdev.Status {
	return bdev.OK()
}

func (r *replicaBackend) CreateSnapshot(ctx context.Context, params bdev.SnapshotParams) (string, bdev.Status) {
	r.mu.RLock()
	fn := r.onCreateSnapshot
	r.mu.RUnlock()
	if fn == nil {
		return "", bdev.InvalidStatus(bdev.GenericInvalidOpcode)
	}
	uuid, err := fn(ctx, params)
	if err != nil {
		if k := ioerr.KindOf(err); k == ioerr.NoSpace {
			return "", bdev.NoSpaceStatus()
		}
		return "", bdev.InvalidStatus(bdev.GenericInvalidField)
	}
	return uuid, bdev.OK()
}

func (r *replicaBackend) BlockSize() uint32 { return r.blockSize }

func (r *replicaBackend) BlockCount() uint64 { return r.blockCount }

func (r *replicaBackend) Stats() stats.Snapshot { return r.counters.Snapshot() }

func (r *replicaBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
