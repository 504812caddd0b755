package aio

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/io-engine/io-engine/pkg/bdev"
)

func TestBackend_WriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk0.img")
	b, err := Open(path, 512, 16)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	wbuf, err := bdev.NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer wbuf.Release()
	copy(wbuf.Bytes(), bytes.Repeat([]byte{0x5A}, 512))

	if status := b.WriteAt(ctx, wbuf, 512); status.Err() != nil {
		t.Fatalf("WriteAt() status = %v", status.Err())
	}

	rbuf, err := bdev.NewDmaBuf(512, 512)
	if err != nil {
		t.Fatalf("NewDmaBuf() error = %v", err)
	}
	defer rbuf.Release()

	if status := b.ReadAt(ctx, rbuf, 512); status.Err() != nil {
		t.Fatalf("ReadAt() status = %v", status.Err())
	}
	if !bytes.Equal(rbuf.Bytes(), wbuf.Bytes()) {
		t.Error("read data does not match written data")
	}
}

func TestBackend_ReadOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk0.img")
	b, err := Open(path, 512, 4)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	buf, _ := bdev.NewDmaBuf(512, 512)
	defer buf.Release()

	status := b.ReadAt(context.Background(), buf, 1<<20)
	if status.Err() == nil {
		t.Fatal("expected error reading past device end")
	}
}

func TestBackend_CloseThenOperationsFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk0.img")
	b, err := Open(path, 512, 4)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf, _ := bdev.NewDmaBuf(512, 512)
	defer buf.Release()
	if status := b.ReadAt(context.Background(), buf, 0); status.Err() == nil {
		t.Fatal("expected error reading from a closed backend")
	}
}
