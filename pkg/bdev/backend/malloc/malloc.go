// Package malloc implements an in-memory bdev.Backend backed by a plain
// byte slice. It is the default backend for tests, conformance suites,
// and ephemeral pools that don't need to survive a process restart.
package malloc

import (
	"context"
	"sync"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/stats"
)

// Backend is a bdev.Backend over a heap-allocated byte slice.
type Backend struct {
	mu         sync.RWMutex
	data       []byte
	blockSize  uint32
	blockCount uint64
	counters   stats.Counters
	closed     bool
}

// New allocates a zero-filled backend of blockCount*blockSize bytes.
func New(blockSize uint32, blockCount uint64) *Backend {
	return &Backend{
		data:       make([]byte, uint64(blockSize)*blockCount),
		blockSize:  blockSize,
		blockCount: blockCount,
	}
}

func (b *Backend) ReadAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}

	p := buf.Bytes()
	if offset+uint64(len(p)) > uint64(len(b.data)) {
		return bdev.InvalidStatus(bdev.GenericLBAOutOfRange)
	}

	n := copy(p, b.data[offset:offset+uint64(len(p))])
	b.counters.RecordRead(uint64(n), 0)
	return bdev.OK()
}

func (b *Backend) WriteAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}

	p := buf.Bytes()
	if offset+uint64(len(p)) > uint64(len(b.data)) {
		return bdev.InvalidStatus(bdev.GenericLBAOutOfRange)
	}

	n := copy(b.data[offset:offset+uint64(len(p))], p)
	b.counters.RecordWrite(uint64(n), 0)
	return bdev.OK()
}

func (b *Backend) WriteZeroesAt(ctx context.Context, offset, length uint64) bdev.Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}
	if offset+length > uint64(len(b.data)) {
		return bdev.InvalidStatus(bdev.GenericLBAOutOfRange)
	}

	clear(b.data[offset : offset+length])
	b.counters.RecordUnmap(length)
	return bdev.OK()
}

func (b *Backend) Reset(ctx context.Context) bdev.Status {
	return bdev.OK()
}

// CreateSnapshot is unsupported on the malloc backend: it has no
// copy-on-write machinery of its own. Replica snapshots taken through
// pkg/pool do not go through this method and work on a malloc base device.
func (b *Backend) CreateSnapshot(ctx context.Context, params bdev.SnapshotParams) (string, bdev.Status) {
	return "", bdev.InvalidStatus(bdev.GenericInvalidOpcode)
}

func (b *Backend) BlockSize() uint32  { return b.blockSize }
func (b *Backend) BlockCount() uint64 { return b.blockCount }

func (b *Backend) Stats() stats.Snapshot {
	return b.counters.Snapshot()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}

var _ bdev.Backend = (*Backend)(nil)
