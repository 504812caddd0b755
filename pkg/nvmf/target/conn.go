package target

import (
	"context"
	"net"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nvmf/wire"
)

// acceptLoop runs the accept loop for one of the target's two listen
// endpoints (one for nexus-serving traffic, one for replica-serving
// traffic), handing each accepted connection to its own goroutine.
func (t *Target) acceptLoop(ln net.Listener, class string) {
	defer t.acceptors.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.isShuttingDown() {
				return
			}
			logger.Warn("nvmf accept error", "class", class, "error", err)
			return
		}
		t.conns.Add(1)
		go func() {
			defer t.conns.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn serves one initiator connection until it disconnects, the
// peer goes away, or the target begins shutting down. The first frame on
// a connection must be a connect request naming the subsystem's NQN;
// every frame after that is dispatched against that subsystem's
// namespace.
func (t *Target) handleConn(conn net.Conn) {
	defer conn.Close()

	ctx := context.Background()
	var sub *Subsystem

	for {
		var req wire.Request
		if err := wire.ReadFrame(conn, &req); err != nil {
			return
		}

		if req.Op == wire.OpDisconnect {
			_ = wire.WriteFrame(conn, wire.Response{OK: true})
			return
		}

		if req.Op == wire.OpConnect {
			resp, connected := t.handleConnect(req)
			sub = connected
			_ = wire.WriteFrame(conn, resp)
			continue
		}

		if sub == nil {
			_ = wire.WriteFrame(conn, wire.ErrorResponse(ioerr.New(ioerr.FailedPrecondition, "connect must precede %s", req.Op)))
			continue
		}

		resp := t.dispatch(ctx, sub, req)
		if err := wire.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (t *Target) handleConnect(req wire.Request) (wire.Response, *Subsystem) {
	sub, err := t.Lookup(req.NQN)
	if err != nil {
		return wire.ErrorResponse(err), nil
	}
	if !sub.HostAllowed(req.HostNQN) {
		return wire.ErrorResponse(ioerr.New(ioerr.FailedPrecondition, "host %s not allowed on subsystem %s", req.HostNQN, req.NQN)), nil
	}
	if t.bearer != nil {
		if err := t.bearer.validate(req.BearerJWT); err != nil {
			return wire.ErrorResponse(err), nil
		}
	}
	if sub.IsPaused() {
		return wire.ErrorResponse(ioerr.New(ioerr.Unavailable, "subsystem %s is paused", req.NQN)), nil
	}
	handle := sub.Namespace()
	if handle == nil {
		return wire.ErrorResponse(ioerr.New(ioerr.FailedPrecondition, "subsystem %s has no namespace", req.NQN)), nil
	}
	return wire.Response{OK: true, BlockSize: handle.BlockSize(), BlockCount: handle.BlockCount()}, sub
}

func (t *Target) dispatch(ctx context.Context, sub *Subsystem, req wire.Request) wire.Response {
	if sub.IsPaused() {
		return wire.ErrorResponse(ioerr.New(ioerr.Unavailable, "subsystem %s is paused", sub.NQN))
	}
	handle := sub.Namespace()
	if handle == nil {
		return wire.ErrorResponse(ioerr.New(ioerr.FailedPrecondition, "subsystem %s has no namespace", sub.NQN))
	}

	switch req.Op {
	case wire.OpRead:
		return t.dispatchRead(ctx, handle, req)
	case wire.OpWrite:
		return t.dispatchWrite(ctx, handle, req)
	case wire.OpWriteZeroes:
		status := handle.WriteZeroesAt(ctx, req.Offset, req.Length)
		if err := status.Err(); err != nil {
			return wire.ErrorResponse(err)
		}
		return wire.Response{OK: true}
	case wire.OpReset:
		status := handle.Reset(ctx)
		if err := status.Err(); err != nil {
			return wire.ErrorResponse(err)
		}
		return wire.Response{OK: true}
	case wire.OpSnapshot:
		id, status := handle.CreateSnapshot(ctx, bdev.SnapshotParams{
			EntityID:     req.EntityID,
			ParentID:     req.ParentID,
			TxnID:        req.TxnID,
			Name:         req.Name,
			SnapshotUUID: req.SnapshotUUID,
		})
		if err := status.Err(); err != nil {
			return wire.ErrorResponse(err)
		}
		return wire.Response{OK: true, SnapshotID: id}
	case wire.OpKeepAlive:
		return wire.Response{OK: true}
	default:
		return wire.ErrorResponse(ioerr.New(ioerr.InvalidArgument, "unknown op %q", req.Op))
	}
}

func (t *Target) dispatchRead(ctx context.Context, handle *bdev.Handle, req wire.Request) wire.Response {
	buf, err := bdev.NewDmaBuf(int(req.Length), handle.Alignment())
	if err != nil {
		return wire.ErrorResponse(err)
	}
	defer buf.Release()

	status := handle.ReadAt(ctx, buf, req.Offset)
	if err := status.Err(); err != nil {
		return wire.ErrorResponse(err)
	}
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return wire.Response{OK: true, Data: data}
}

func (t *Target) dispatchWrite(ctx context.Context, handle *bdev.Handle, req wire.Request) wire.Response {
	if uint64(len(req.Data)) != req.Length && req.Length != 0 {
		return wire.ErrorResponse(ioerr.New(ioerr.InvalidArgument, "write length %d does not match payload of %d bytes", req.Length, len(req.Data)))
	}
	buf, err := bdev.NewDmaBuf(len(req.Data), handle.Alignment())
	if err != nil {
		return wire.ErrorResponse(err)
	}
	defer buf.Release()
	copy(buf.Bytes(), req.Data)

	status := handle.WriteAt(ctx, buf, req.Offset)
	if err := status.Err(); err != nil {
		return wire.ErrorResponse(err)
	}
	return wire.Response{OK: true}
}
