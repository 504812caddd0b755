// Package bdevtest provides a backend-agnostic conformance suite run
// against the malloc and aio bdev.Backend implementations.
package bdevtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/io-engine/io-engine/pkg/bdev"
)

// BackendFactory creates a fresh Backend with the given block geometry
// for each test.
type BackendFactory func(t *testing.T, blockSize uint32, blockCount uint64) bdev.Backend

// RunConformanceSuite exercises the full bdev.Backend contract against the
// backend produced by factory. blockSize/alignment assumptions follow the
// 512-byte sector convention every backend in this package supports.
func RunConformanceSuite(t *testing.T, factory BackendFactory) {
	t.Helper()

	t.Run("WriteThenRead", func(t *testing.T) { runWriteThenRead(t, factory) })
	t.Run("ReadOutOfRange", func(t *testing.T) { runReadOutOfRange(t, factory) })
	t.Run("WriteZeroesAt", func(t *testing.T) { runWriteZeroesAt(t, factory) })
	t.Run("Geometry", func(t *testing.T) { runGeometry(t, factory) })
}

const blockSize = 512

func runWriteThenRead(t *testing.T, factory BackendFactory) {
	t.Helper()
	b := factory(t, blockSize, 8)
	defer b.Close()
	ctx := context.Background()

	wbuf, err := bdev.NewDmaBuf(blockSize, blockSize)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer wbuf.Release()
	copy(wbuf.Bytes(), bytes.Repeat([]byte{0x42}, blockSize))

	if status := b.WriteAt(ctx, wbuf, blockSize); status.Err() != nil {
		t.Fatalf("WriteAt() status = %v", status.Err())
	}

	rbuf, err := bdev.NewDmaBuf(blockSize, blockSize)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer rbuf.Release()

	if status := b.ReadAt(ctx, rbuf, blockSize); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	if !bytes.Equal(rbuf.Bytes(), wbuf.Bytes()) {
		t.Error("read data does not match written data")
	}
}

func runReadOutOfRange(t *testing.T, factory BackendFactory) {
	t.Helper()
	b := factory(t, blockSize, 4)
	defer b.Close()

	buf, err := bdev.NewDmaBuf(blockSize, blockSize)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer buf.Release()

	status := b.ReadAt(context.Background(), buf, blockSize*100)
	if status.Err() == nil {
		t.Fatal("expected error reading past device end")
	}
}

func runWriteZeroesAt(t *testing.T, factory BackendFactory) {
	t.Helper()
	b := factory(t, blockSize, 4)
	defer b.Close()
	ctx := context.Background()

	wbuf, _ := bdev.NewDmaBuf(blockSize, blockSize)
	defer wbuf.Release()
	copy(wbuf.Bytes(), bytes.Repeat([]byte{0xFF}, blockSize))
	if status := b.WriteAt(ctx, wbuf, 0); status.Err() != nil {
		t.Fatalf("WriteAt() status = %v", status.Err())
	}

	if status := b.WriteZeroesAt(ctx, 0, blockSize); status.Err() != nil {
		t.Fatalf("WriteZeroesAt() status = %v", status.Err())
	}

	rbuf, _ := bdev.NewDmaBuf(blockSize, blockSize)
	defer rbuf.Release()
	if status := b.ReadAt(ctx, rbuf, 0); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	for _, v := range rbuf.Bytes() {
		if v != 0 {
			t.Fatal("expected zeroed block after WriteZeroesAt")
		}
	}
}

func runGeometry(t *testing.T, factory BackendFactory) {
	t.Helper()
	b := factory(t, blockSize, 32)
	defer b.Close()

	if b.BlockSize() != blockSize {
		t.Errorf("BlockSize() = %d, want %d", b.BlockSize(), blockSize)
	}
	if b.BlockCount() != 32 {
		t.Errorf("BlockCount() = %d, want 32", b.BlockCount())
	}
}
