package bdev

import (
	"sync"
	"unsafe"

	"github.com/io-engine/io-engine/pkg/bufpool"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// DmaBuf is an alignment-aware buffer meant for direct I/O submission.
// Backends that require aligned memory (aio with O_DIRECT) read and write
// through DmaBuf.Bytes(); backends that don't care (malloc, s3) use it
// unchanged. A DmaBuf is owned by whoever allocated it and must be
// released exactly once; concurrent use of the same DmaBuf from more than
// one goroutine is a caller bug, not something this type defends against,
// mirroring the single-reactor-owns-the-buffer discipline of the backends
// it feeds.
type DmaBuf struct {
	mu        sync.Mutex
	raw       []byte
	aligned   []byte
	alignment int
	released  bool
}

// NewDmaBuf allocates a buffer of size bytes whose first byte is aligned
// to alignment, which must be a power of two. The backing memory comes
// from the shared bufpool so repeated small I/Os don't each pay a fresh
// allocation.
func NewDmaBuf(size, alignment int) (*DmaBuf, error) {
	if size <= 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "dma buffer size %d must be positive", size)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "dma buffer alignment %d is not a power of two", alignment)
	}

	raw := bufpool.Get(size + alignment)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (alignment - int(base%uintptr(alignment))) % alignment

	return &DmaBuf{
		raw:       raw,
		aligned:   raw[pad : pad+size],
		alignment: alignment,
	}, nil
}

// Bytes returns the aligned view of the buffer. It must not be retained
// past Release.
func (d *DmaBuf) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aligned
}

// Len returns the usable (aligned) length of the buffer.
func (d *DmaBuf) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.aligned)
}

// Release returns the backing memory to the pool. Calling Release more
// than once is a no-op.
func (d *DmaBuf) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	bufpool.Put(d.raw)
	d.raw = nil
	d.aligned = nil
}
