package pool

import "sync"

// blob is the extent map backing one replica's logical address space: a
// sparse mapping from logical cluster index to the physical cluster that
// holds its data on the pool's base device. Every replica owns exactly one
// blob for its own writes; a clone's blob chains to its snapshot's blob so
// reads of clusters the clone has never written fall through to the
// snapshot's data (copy-on-write).
type blob struct {
	mu       sync.Mutex
	extents  map[uint64]uint64 // logical cluster -> physical cluster, owned by this blob
	parent   *blob
	clusters *clusterAllocator
}

func newBlob(clusters *clusterAllocator, parent *blob) *blob {
	return &blob{
		extents:  make(map[uint64]uint64),
		parent:   parent,
		clusters: clusters,
	}
}

// resolveRead walks the blob and its ancestor chain for the physical
// cluster backing logical, returning ok=false if no ancestor ever wrote it
// (a thin, never-written cluster reads as zero).
func (b *blob) resolveRead(logical uint64) (physical uint64, ok bool) {
	b.mu.Lock()
	p, owned := b.extents[logical]
	parent := b.parent
	b.mu.Unlock()

	if owned {
		return p, true
	}
	if parent != nil {
		return parent.resolveRead(logical)
	}
	return 0, false
}

// ownedCluster returns the physical cluster this blob itself owns for
// logical, without walking the parent chain.
func (b *blob) ownedCluster(logical uint64) (physical uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.extents[logical]
	return p, ok
}

// allocateOwn reserves a fresh physical cluster for logical and records the
// ownership, returning ok=false if the pool has no free clusters.
func (b *blob) allocateOwn(logical uint64) (physical uint64, ok bool) {
	idx, ok := b.clusters.alloc()
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	b.extents[logical] = idx
	b.mu.Unlock()
	return idx, true
}

// release returns every cluster this blob owns (not its ancestors') to the
// pool's free list. Called when the replica owning this blob is destroyed.
func (b *blob) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, idx := range b.extents {
		b.clusters.release(idx)
	}
	b.extents = make(map[uint64]uint64)
}

// snapshotOf returns a new blob that takes over all of src's current
// extents, used when a snapshot is created: the snapshot becomes the new
// owner of the data written so far, and src continues as a fresh, empty
// blob chained to the snapshot for COW reads.
func snapshotOf(src *blob) (snapshotBlob *blob, headBlob *blob) {
	src.mu.Lock()
	defer src.mu.Unlock()

	snapshotBlob = &blob{
		extents:  src.extents,
		parent:   src.parent,
		clusters: src.clusters,
	}
	headBlob = &blob{
		extents:  make(map[uint64]uint64),
		parent:   snapshotBlob,
		clusters: src.clusters,
	}
	return snapshotBlob, headBlob
}
