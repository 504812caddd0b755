package bdev

import (
	"context"
	"testing"

	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/stats"
)

type fakeBackend struct {
	blockSize  uint32
	blockCount uint64
}

func (f *fakeBackend) ReadAt(ctx context.Context, buf *DmaBuf, offset uint64) Status  { return OK() }
func (f *fakeBackend) WriteAt(ctx context.Context, buf *DmaBuf, offset uint64) Status { return OK() }
func (f *fakeBackend) WriteZeroesAt(ctx context.Context, offset, length uint64) Status {
	return OK()
}
func (f *fakeBackend) Reset(ctx context.Context) Status { return OK() }
func (f *fakeBackend) CreateSnapshot(ctx context.Context, params SnapshotParams) (string, Status) {
	return params.SnapshotUUID, OK()
}
func (f *fakeBackend) BlockSize() uint32         { return f.blockSize }
func (f *fakeBackend) BlockCount() uint64        { return f.blockCount }
func (f *fakeBackend) Stats() stats.Snapshot     { return stats.Snapshot{} }
func (f *fakeBackend) Close() error              { return nil }

func newTestDevice(t *testing.T) *BlockDevice {
	t.Helper()
	dev, err := NewBlockDevice("dev0", "test-product", "test-driver", "uuid-0", 512, 2048, 512, &fakeBackend{blockSize: 512, blockCount: 2048})
	if err != nil {
		t.Fatalf("NewBlockDevice() error = %v", err)
	}
	return dev
}

func TestNewBlockDevice_RejectsBadAlignment(t *testing.T) {
	_, err := NewBlockDevice("dev0", "p", "d", "u", 512, 2048, 3, &fakeBackend{})
	if !ioerr.Is(err, ioerr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestBlockDevice_SetBlockCount(t *testing.T) {
	dev := newTestDevice(t)
	guard, err := dev.Open(false, "reader")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer guard.Close()
	h := guard.IntoHandle()

	dev.SetBlockCount(dev.BlockCount * 2)

	if dev.BlockCount != h.BlockCount() {
		t.Fatalf("dev.BlockCount = %d, Handle.BlockCount() = %d, want equal", dev.BlockCount, h.BlockCount())
	}
}

func TestBlockDevice_OpenClaimExclusivity(t *testing.T) {
	dev := newTestDevice(t)

	guard, err := dev.Open(true, "nexus-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !dev.IsClaimed() {
		t.Fatal("expected device claimed")
	}

	_, err = dev.Open(true, "nexus-b")
	if !ioerr.Is(err, ioerr.FailedPrecondition) {
		t.Fatalf("expected FailedPrecondition on second claim, got %v", err)
	}

	guard.Close()
	if dev.IsClaimed() {
		t.Fatal("expected device unclaimed after guard.Close()")
	}

	if _, err := dev.Open(true, "nexus-b"); err != nil {
		t.Fatalf("Open() after release error = %v", err)
	}
}

func TestBlockDevice_ReadOnlyOpensDoNotClaim(t *testing.T) {
	dev := newTestDevice(t)

	g1, err := dev.Open(false, "reader-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	g2, err := dev.Open(false, "reader-b")
	if err != nil {
		t.Fatalf("second read-only Open() error = %v", err)
	}
	defer g1.Close()
	defer g2.Close()

	if dev.IsClaimed() {
		t.Fatal("read-only opens must not claim the device")
	}
}

func TestHandle_DelegatesToBackend(t *testing.T) {
	dev := newTestDevice(t)
	guard, err := dev.Open(true, "nexus-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h := guard.IntoHandle()
	defer h.Close()

	buf, err := NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer buf.Release()

	if status := h.ReadAt(context.Background(), buf, 0); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	if status := h.WriteAt(context.Background(), buf, 0); status.Err() != nil {
		t.Fatalf("WriteAt() status = %v", status.Err())
	}
	if h.BlockSize() != 512 {
		t.Errorf("BlockSize() = %d, want 512", h.BlockSize())
	}
}
