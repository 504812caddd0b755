package initiator

import (
	"context"
	"time"

	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/wire"
	"github.com/io-engine/io-engine/pkg/stats"
)

// remoteBackend is the bdev.Backend implementation a Controller's
// namespace is wrapped in: every I/O method becomes one wire.Request /
// wire.Response round trip over the controller's TCP connection to the
// target. It is never constructed outside this package; callers only ever
// see it through the *bdev.BlockDevice Connect returns.
type remoteBackend struct {
	ctrl *Controller
}

func newRemoteBackend(ctrl *Controller) *remoteBackend {
	return &remoteBackend{ctrl: ctrl}
}

func (b *remoteBackend) do(req wire.Request) (wire.Response, error) {
	b.ctrl.inflight.Add(1)
	defer b.ctrl.inflight.Done()

	resp, err := b.ctrl.roundTrip(req)
	if err != nil {
		return wire.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return wire.Response{}, err
	}
	return resp, nil
}

func statusFor(err error) bdev.Status {
	if err == nil {
		return bdev.OK()
	}
	switch ioerr.KindOf(err) {
	case ioerr.NoSpace:
		return bdev.NoSpaceStatus()
	case ioerr.InvalidArgument:
		return bdev.InvalidStatus(bdev.GenericInvalidField)
	default:
		return bdev.IoErrorStatus(bdev.MediaWriteFault)
	}
}

func (b *remoteBackend) ReadAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	start := time.Now()
	resp, err := b.do(wire.Request{Op: wire.OpRead, Offset: offset, Length: uint64(buf.Len())})
	if err != nil {
		return statusFor(err)
	}
	copy(buf.Bytes(), resp.Data)
	b.ctrl.stats.RecordRead(uint64(len(resp.Data)), uint64(time.Since(start)))
	return bdev.OK()
}

func (b *remoteBackend) WriteAt(ctx context.Context, buf *bdev.DmaBuf, offset uint64) bdev.Status {
	start := time.Now()
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	_, err := b.do(wire.Request{Op: wire.OpWrite, Offset: offset, Length: uint64(len(data)), Data: data})
	if err != nil {
		return statusFor(err)
	}
	b.ctrl.stats.RecordWrite(uint64(len(data)), uint64(time.Since(start)))
	return bdev.OK()
}

func (b *remoteBackend) WriteZeroesAt(ctx context.Context, offset, length uint64) bdev.Status {
	_, err := b.do(wire.Request{Op: wire.OpWriteZeroes, Offset: offset, Length: length})
	if err != nil {
		return statusFor(err)
	}
	b.ctrl.stats.RecordWrite(length, 0)
	return bdev.OK()
}

func (b *remoteBackend) Reset(ctx context.Context) bdev.Status {
	_, err := b.do(wire.Request{Op: wire.OpReset})
	if err != nil {
		return statusFor(err)
	}
	return bdev.OK()
}

func (b *remoteBackend) CreateSnapshot(ctx context.Context, params bdev.SnapshotParams) (string, bdev.Status) {
	resp, err := b.do(wire.Request{
		Op:           wire.OpSnapshot,
		EntityID:     params.EntityID,
		ParentID:     params.ParentID,
		TxnID:        params.TxnID,
		Name:         params.Name,
		SnapshotUUID: params.SnapshotUUID,
	})
	if err != nil {
		return "", statusFor(err)
	}
	return resp.SnapshotID, bdev.OK()
}

func (b *remoteBackend) BlockSize() uint32 {
	return b.ctrl.BlockDevice().BlockSize
}

func (b *remoteBackend) BlockCount() uint64 {
	return b.ctrl.BlockDevice().BlockCount
}

func (b *remoteBackend) Stats() stats.Snapshot {
	return b.ctrl.stats.Snapshot()
}

func (b *remoteBackend) Close() error {
	return b.ctrl.Destroy(context.Background())
}
