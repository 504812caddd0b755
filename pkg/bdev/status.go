package bdev

import (
	"fmt"

	"github.com/io-engine/io-engine/pkg/ioerr"
)

// GenericStatusCode mirrors the NVMe generic command status code field.
type GenericStatusCode int

const (
	GenericSuccess GenericStatusCode = iota
	GenericInvalidOpcode
	GenericInvalidField
	GenericDataTransferError
	GenericAbortedByRequest
	GenericInvalidNamespace
	GenericLBAOutOfRange
	GenericCapacityExceeded
	GenericNamespaceNotReady
	GenericInternalError
)

// MediaStatusCode mirrors the NVMe media and data integrity status code field.
type MediaStatusCode int

const (
	MediaNone MediaStatusCode = iota
	MediaWriteFault
	MediaUnrecoveredReadError
	MediaGuardCheckError
	MediaApplicationTagCheckError
	MediaReferenceTagCheckError
	MediaCompareFailure
	MediaAccessDenied
	MediaUnwrittenBlock
	// MediaNoSpace stands in for the backing pool's allocator returning
	// ENOSPC on a thin-provisioned write; frozen here rather than as a
	// separate completion path so every backend reports exhaustion the
	// same way.
	MediaNoSpace
)

// Status is the structured completion status every asynchronous
// BlockDevice operation returns, carrying enough detail for the nexus and
// pool layers to distinguish a plain I/O error from exhaustion or an
// invalid request without string-matching an error message.
type Status struct {
	Success     bool
	Generic     GenericStatusCode
	Media       MediaStatusCode
	CmdSpecific uint32
}

// OK is the canonical successful completion status.
func OK() Status { return Status{Success: true} }

// IoErrorStatus builds a failed status for a plain I/O error (transport
// failure, unwritten-block read, etc.).
func IoErrorStatus(media MediaStatusCode) Status {
	return Status{Media: media}
}

// NoSpaceStatus builds the failed status for a thin-provisioning exhaustion.
func NoSpaceStatus() Status {
	return Status{Media: MediaNoSpace}
}

// InvalidStatus builds a failed status for a malformed or out-of-range request.
func InvalidStatus(generic GenericStatusCode) Status {
	return Status{Generic: generic}
}

// Err converts a failed Status into the ioerr taxonomy used by the rest of
// the data plane. Success statuses convert to nil.
func (s Status) Err() error {
	if s.Success {
		return nil
	}
	switch {
	case s.Media == MediaNoSpace:
		return ioerr.New(ioerr.NoSpace, "no space available on backing device")
	case s.Media != MediaNone:
		return ioerr.New(ioerr.IoError, "media error: %s", s.Media)
	case s.Generic == GenericInvalidNamespace, s.Generic == GenericLBAOutOfRange, s.Generic == GenericInvalidField:
		return ioerr.New(ioerr.InvalidArgument, "invalid request: %s", s.Generic)
	case s.Generic == GenericCapacityExceeded:
		return ioerr.New(ioerr.NoSpace, "capacity exceeded")
	case s.Generic == GenericNamespaceNotReady:
		return ioerr.New(ioerr.Unavailable, "namespace not ready")
	default:
		return ioerr.New(ioerr.IoError, "i/o error: generic=%s media=%s cmd_specific=%d", s.Generic, s.Media, s.CmdSpecific)
	}
}

func (c GenericStatusCode) String() string {
	switch c {
	case GenericSuccess:
		return "success"
	case GenericInvalidOpcode:
		return "invalid_opcode"
	case GenericInvalidField:
		return "invalid_field"
	case GenericDataTransferError:
		return "data_transfer_error"
	case GenericAbortedByRequest:
		return "aborted_by_request"
	case GenericInvalidNamespace:
		return "invalid_namespace"
	case GenericLBAOutOfRange:
		return "lba_out_of_range"
	case GenericCapacityExceeded:
		return "capacity_exceeded"
	case GenericNamespaceNotReady:
		return "namespace_not_ready"
	case GenericInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("generic(%d)", int(c))
	}
}

func (c MediaStatusCode) String() string {
	switch c {
	case MediaNone:
		return "none"
	case MediaWriteFault:
		return "write_fault"
	case MediaUnrecoveredReadError:
		return "unrecovered_read_error"
	case MediaGuardCheckError:
		return "guard_check_error"
	case MediaApplicationTagCheckError:
		return "application_tag_check_error"
	case MediaReferenceTagCheckError:
		return "reference_tag_check_error"
	case MediaCompareFailure:
		return "compare_failure"
	case MediaAccessDenied:
		return "access_denied"
	case MediaUnwrittenBlock:
		return "unwritten_block"
	case MediaNoSpace:
		return "no_space"
	default:
		return fmt.Sprintf("media(%d)", int(c))
	}
}
