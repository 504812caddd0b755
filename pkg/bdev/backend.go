// Package bdev provides a uniform abstraction over heterogeneous block
// storage backends (in-memory, file-backed, object-storage-backed), the
// claim/descriptor/handle lifecycle that lets a nexus assert exclusive
// ownership of a child, and the process-wide registry every backend
// instance is published through.
package bdev

import (
	"context"
	"time"

	"github.com/io-engine/io-engine/pkg/stats"
)

// SnapshotParams carries the caller-supplied identity of a replica
// snapshot request through to the backend that actually performs the
// copy-on-write freeze.
type SnapshotParams struct {
	EntityID     string
	ParentID     string
	TxnID        string
	Name         string
	SnapshotUUID string
	CreateTime   time.Time
}

// Backend is implemented once per storage technology (malloc, aio, s3) and
// is never used directly by callers outside this package; BlockDevice and
// Handle wrap it with identity, claim tracking, and DMA-buffer discipline.
//
// Every data-path method is given a context so backends that talk to a
// remote system (s3) can honor cancellation; malloc and aio complete
// synchronously under the hood but still accept ctx for interface
// uniformity.
type Backend interface {
	ReadAt(ctx context.Context, buf *DmaBuf, offset uint64) Status
	WriteAt(ctx context.Context, buf *DmaBuf, offset uint64) Status
	WriteZeroesAt(ctx context.Context, offset, length uint64) Status
	Reset(ctx context.Context) Status
	CreateSnapshot(ctx context.Context, params SnapshotParams) (snapshotID string, status Status)

	BlockSize() uint32
	BlockCount() uint64

	Stats() stats.Snapshot
	Close() error
}
