package pool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/internal/bytesize"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/persist"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	ctx := context.Background()
	reg := newTestBaseDevice(t, "disk0", 8192)
	store := persist.NewMemoryStore()
	p, err := Import(ctx, reg, store, lvsURI("pool0", "create", "disk0"))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	return p
}

func writeByte(t *testing.T, r *Replica, offset uint64, b byte) {
	t.Helper()
	guard, err := r.Device().Open(true, "test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer guard.Close()
	h := guard.IntoHandle()

	buf, _ := bdev.NewDmaBuf(512, 512)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = b
	}
	if status := h.WriteAt(context.Background(), buf, offset); status.Err() != nil {
		t.Fatalf("WriteAt() error = %v", status.Err())
	}
}

func readByte(t *testing.T, r *Replica, offset uint64) byte {
	t.Helper()
	guard, err := r.Device().Open(false, "test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer guard.Close()
	h := guard.IntoHandle()

	buf, _ := bdev.NewDmaBuf(512, 512)
	if status := h.ReadAt(context.Background(), buf, offset); status.Err() != nil {
		t.Fatalf("ReadAt() error = %v", status.Err())
	}
	return buf.Bytes()[0]
}

func TestPool_SnapshotFreezesDataAndSourceContinuesWritable(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	src, err := p.CreateReplica(ctx, "src", bytesize.ByteSize(testClusterSize*2), uuid.New(), true, "entity-a")
	if err != nil {
		t.Fatalf("CreateReplica() error = %v", err)
	}
	writeByte(t, src, 0, 0x11)

	snapUUID, err := p.CreateSnapshot(ctx, "src", SnapshotParams{
		EntityID: "entity-a", TxnID: "tx-1", Name: "snap0",
		SnapshotUUID: uuid.New().String(), CreateTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	snap, err := p.Replica("snap0")
	if err != nil {
		t.Fatalf("Replica(snap0) error = %v", err)
	}
	if snap.UUID.String() != snapUUID {
		t.Fatalf("snapshot UUID mismatch: %s != %s", snap.UUID, snapUUID)
	}
	if !snap.IsSnapshot() {
		t.Fatal("expected IsSnapshot() == true")
	}
	if got := readByte(t, snap, 0); got != 0x11 {
		t.Fatalf("snapshot byte = %x, want 0x11", got)
	}

	// source keeps writing; the snapshot must not see the new data
	writeByte(t, src, 0, 0x22)
	if got := readByte(t, src, 0); got != 0x22 {
		t.Fatalf("source byte after overwrite = %x, want 0x22", got)
	}
	if got := readByte(t, snap, 0); got != 0x11 {
		t.Fatalf("snapshot byte after source overwrite = %x, want unchanged 0x11", got)
	}
}

func TestPool_CloneReadsThroughToSnapshotUntilOverwritten(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	src, _ := p.CreateReplica(ctx, "src", bytesize.ByteSize(testClusterSize*2), uuid.New(), true, "")
	writeByte(t, src, 0, 0x33)

	if _, err := p.CreateSnapshot(ctx, "src", SnapshotParams{Name: "snap0", SnapshotUUID: uuid.New().String(), CreateTime: time.Now()}); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	clone, err := p.Clone(ctx, "snap0", "clone0", uuid.New(), "")
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if !clone.IsClone() {
		t.Fatal("expected IsClone() == true")
	}
	if got := readByte(t, clone, 0); got != 0x33 {
		t.Fatalf("clone should read through to snapshot data, got %x", got)
	}

	writeByte(t, clone, 0, 0x44)
	if got := readByte(t, clone, 0); got != 0x44 {
		t.Fatalf("clone byte after its own write = %x, want 0x44", got)
	}
	if got := readByte(t, p.mustReplica(t, "snap0"), 0); got != 0x33 {
		t.Fatalf("snapshot should be unaffected by clone's write, got %x", got)
	}
}

func (p *Pool) mustReplica(t *testing.T, name string) *Replica {
	t.Helper()
	r, err := p.Replica(name)
	if err != nil {
		t.Fatalf("Replica(%s) error = %v", name, err)
	}
	return r
}

func TestPool_DestroyReplicaWithDescendantSnapshotRefused(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	p.CreateReplica(ctx, "src", bytesize.ByteSize(testClusterSize), uuid.New(), true, "")
	p.CreateSnapshot(ctx, "src", SnapshotParams{Name: "snap0", SnapshotUUID: uuid.New().String(), CreateTime: time.Now()})

	if err := p.DestroyReplica(ctx, "src"); ioerr.KindOf(err) != ioerr.FailedPrecondition {
		t.Fatalf("DestroyReplica(src) error = %v, want FailedPrecondition", err)
	}
}

func TestPool_DestroySnapshotWithLiveClonesIsDiscardedNotDeleted(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t)
	p.CreateReplica(ctx, "src", bytesize.ByteSize(testClusterSize), uuid.New(), true, "")
	p.CreateSnapshot(ctx, "src", SnapshotParams{Name: "snap0", SnapshotUUID: uuid.New().String(), CreateTime: time.Now()})
	p.Clone(ctx, "snap0", "clone0", uuid.New(), "")

	if err := p.DestroyReplica(ctx, "snap0"); err != nil {
		t.Fatalf("DestroyReplica(snap0) error = %v", err)
	}
	if _, err := p.Replica("snap0"); err != nil {
		t.Fatal("discarded snapshot should still exist until its last clone is destroyed")
	}

	if err := p.DestroyReplica(ctx, "clone0"); err != nil {
		t.Fatalf("DestroyReplica(clone0) error = %v", err)
	}
	if _, err := p.Replica("snap0"); ioerr.KindOf(err) != ioerr.NotFound {
		t.Fatal("discarded snapshot should auto-destroy once its last clone is gone")
	}
}
