package wipe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/bdev/backend/malloc"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

func newTestHandle(t *testing.T, blockCount uint64) *bdev.Handle {
	t.Helper()
	backend := malloc.New(512, blockCount)
	dev, err := bdev.NewBlockDevice("disk0", "malloc", "malloc", uuid.New().String(), 512, blockCount, 512, backend)
	if err != nil {
		t.Fatalf("NewBlockDevice() error = %v", err)
	}
	guard, err := dev.Open(true, "wipe-test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(guard.Close)
	return guard.IntoHandle()
}

func TestNew_RejectsChunkSizeNotBlockAligned(t *testing.T) {
	h := newTestHandle(t, 2048)
	if _, err := New(uuid.NewString(), h, 100, MethodWriteZeroes, 0); ioerr.KindOf(err) != ioerr.InvalidArgument {
		t.Fatalf("New() error = %v, want InvalidArgument", err)
	}
}

func TestNew_RejectsChunkSizeLargerThanDevice(t *testing.T) {
	h := newTestHandle(t, 8)
	if _, err := New(uuid.NewString(), h, 1<<20, MethodWriteZeroes, 0); ioerr.KindOf(err) != ioerr.InvalidArgument {
		t.Fatalf("New() error = %v, want InvalidArgument", err)
	}
}

func TestNew_RejectsChunkCountOverCap(t *testing.T) {
	h := newTestHandle(t, uint64(MaxChunks)+10)
	if _, err := New(uuid.NewString(), h, 512, MethodWriteZeroes, 0); ioerr.KindOf(err) != ioerr.ResourceExhausted {
		t.Fatalf("New() error = %v, want ResourceExhausted", err)
	}
}

// TestNew_1GiBReplica mirrors the literal 1 GiB replica case: a 1 MiB chunk
// size (1024 chunks) must be refused as too many, while a 500 MiB chunk
// size (3 chunks) on the same replica must still succeed.
func TestNew_1GiBReplica(t *testing.T) {
	const replicaSize = 1024 * 1024 * 1024
	h := newTestHandle(t, replicaSize/512)

	if _, err := New(uuid.NewString(), h, 1024*1024, MethodWriteZeroes, 0); ioerr.KindOf(err) != ioerr.ResourceExhausted {
		t.Fatalf("New() with 1 MiB chunks error = %v, want ResourceExhausted", err)
	}

	j, err := New(uuid.NewString(), h, 500*1024*1024, MethodWriteZeroes, 0)
	if err != nil {
		t.Fatalf("New() with 500 MiB chunks error = %v, want nil", err)
	}
	if j.totalChunks != 3 {
		t.Fatalf("totalChunks = %d, want 3", j.totalChunks)
	}
}

func TestJob_RunStreamsProgressAndWritesPattern(t *testing.T) {
	h := newTestHandle(t, 16)
	j, err := New("wipe-uuid", h, 4*512, MethodWritePattern, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	progress := make(chan Progress, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- j.Run(context.Background(), progress) }()

	var last Progress
	count := 0
	for p := range progress {
		last = p
		count++
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("progress updates = %d, want 2 (16 blocks / 4-block chunks)", count)
	}
	if last.WipedChunks != 2 || last.TotalChunks != 2 {
		t.Fatalf("final progress = %+v, want WipedChunks=TotalChunks=2", last)
	}
	if last.WipedBytes != 16*512 {
		t.Fatalf("WipedBytes = %d, want %d", last.WipedBytes, 16*512)
	}

	buf, err := bdev.NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer buf.Release()
	if status := h.ReadAt(context.Background(), buf, 0); !status.Success {
		t.Fatalf("ReadAt() = %+v, want success", status)
	}
	want := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	for i, b := range buf.Bytes() {
		if b != want[i%4] {
			t.Fatalf("byte %d = %#x, want %#x after pattern wipe", i, b, want[i%4])
		}
	}
}

func TestJob_RunAbortsWhenContextCancelled(t *testing.T) {
	h := newTestHandle(t, uint64(MaxChunks))
	j, err := New("wipe-uuid", h, 512, MethodWriteZeroes, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	progress := make(chan Progress)
	errCh := make(chan error, 1)
	go func() { errCh <- j.Run(ctx, progress) }()

	<-progress
	cancel()

	select {
	case err := <-errCh:
		if ioerr.KindOf(err) != ioerr.Cancelled {
			t.Fatalf("Run() error = %v, want Cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after ctx cancellation")
	}
}
