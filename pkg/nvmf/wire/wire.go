// Package wire defines the framed request/response protocol shared by the
// NVMe-oF target and initiator in this implementation.
//
// The target/initiator state machines are described in terms of real
// NVMe-oF TCP PDUs and SPDK's asynchronous probe callback. Encoding actual
// NVMe command capsules is out of scope here (see DESIGN.md): this package
// stands in for that wire format with a minimal length-prefixed JSON frame
// carrying the same admin/data operations (connect, read, write, write
// zeroes, create-snapshot, keep-alive) between initiator and target. Every
// suspension point a real transport would need (read_at, write_at,
// write_zeroes_at, reset, create_snapshot) still exists; it is simply
// carried over this frame format instead of a TCP PDU encoding of real
// NVMe command sets.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// maxFrameSize bounds a single frame so a malformed peer can't force an
// unbounded allocation.
const maxFrameSize = 64*1024*1024 + 4096

// Op identifies the operation a Request carries.
type Op string

const (
	OpConnect      Op = "connect"
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpWriteZeroes  Op = "write_zeroes"
	OpReset        Op = "reset"
	OpSnapshot     Op = "create_snapshot"
	OpKeepAlive    Op = "keep_alive"
	OpDisconnect   Op = "disconnect"
)

// Request is the single request frame shape; fields are populated per Op.
type Request struct {
	Op Op `json:"op"`

	// Connect
	NQN      string `json:"nqn,omitempty"`
	HostNQN  string `json:"host_nqn,omitempty"`
	BearerJWT string `json:"bearer_jwt,omitempty"`

	// Read/Write/WriteZeroes
	Offset uint64 `json:"offset,omitempty"`
	Length uint64 `json:"length,omitempty"`
	Data   []byte `json:"data,omitempty"`

	// CreateSnapshot
	EntityID     string `json:"entity_id,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	TxnID        string `json:"txn_id,omitempty"`
	Name         string `json:"name,omitempty"`
	SnapshotUUID string `json:"snapshot_uuid,omitempty"`
}

// Response is the single response frame shape.
type Response struct {
	OK bool `json:"ok"`

	// Connect success
	BlockSize  uint32 `json:"block_size,omitempty"`
	BlockCount uint64 `json:"block_count,omitempty"`

	// Read success
	Data []byte `json:"data,omitempty"`

	// CreateSnapshot success
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Failure
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// WriteFrame encodes v as length-prefixed JSON onto w.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "encoding wire frame")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return ioerr.Wrap(ioerr.IoError, err, "writing frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return ioerr.Wrap(ioerr.IoError, err, "writing frame body")
	}
	return nil
}

// ReadFrame decodes a length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return ioerr.New(ioerr.InvalidArgument, "wire frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return ioerr.Wrap(ioerr.IoError, err, "reading frame body")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "decoding wire frame")
	}
	return nil
}

// ErrorResponse builds a failure Response from an ioerr-kinded error.
func ErrorResponse(err error) Response {
	return Response{OK: false, ErrorKind: ioerr.KindOf(err).String(), ErrorMsg: err.Error()}
}

// Err reconstructs a kind-classified error from a failure Response, or nil
// if the response indicates success. This is how the initiator side turns
// a target's rejection back into the same ioerr taxonomy it would have
// produced locally.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	return &ioerr.Error{Kind: ioerr.KindFromString(r.ErrorKind), Reason: r.ErrorMsg}
}
