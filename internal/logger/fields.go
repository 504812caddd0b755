package logger

import (
	"log/slog"
)

// Standard field keys for structured logging, matching the canonical
// {component, nexus|pool|replica, event} frame required by the
// admin/telemetry surface. Use these keys consistently so log
// aggregation and querying stay stable across every layer (bdev,
// pool, nexus, rebuild, nvmf, wipe).
const (
	// Correlation
	KeyTraceID = "trace_id" // caller-supplied correlation id

	// Canonical frame
	KeyComponent = "component" // bdev, pool, nexus, rebuild, nvmf-target, nvmf-initiator, wipe
	KeyEvent     = "event"     // short event name, e.g. child-fault, rebuild-complete

	// Identity
	KeyNexus    = "nexus"    // nexus name or uuid
	KeyPool     = "pool"     // pool name or uuid
	KeyReplica  = "replica"  // replica/child uri or uuid
	KeyDevice   = "device"   // block device name
	KeyURI      = "uri"      // device/child URI
	KeySubsys   = "subsystem" // NVMe-oF subsystem NQN

	// State transitions
	KeyState    = "state"     // new state after a transition
	KeyOldState = "old_state" // state prior to a transition
	KeyReason   = "reason"    // fault/transition reason

	// I/O
	KeyOffset       = "offset"
	KeyLength       = "length"
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorKind  = "error_kind" // stable error-kind code, see pkg/ioerr
)

// Component returns a slog.Attr for the emitting subsystem.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Event returns a slog.Attr for the short event name.
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

// Nexus returns a slog.Attr for a nexus identifier.
func Nexus(name string) slog.Attr {
	return slog.String(KeyNexus, name)
}

// Pool returns a slog.Attr for a pool identifier.
func Pool(name string) slog.Attr {
	return slog.String(KeyPool, name)
}

// Replica returns a slog.Attr for a replica identifier.
func Replica(name string) slog.Attr {
	return slog.String(KeyReplica, name)
}

// Device returns a slog.Attr for a block device name.
func Device(name string) slog.Attr {
	return slog.String(KeyDevice, name)
}

// URI returns a slog.Attr for a device/child URI.
func URI(uri string) slog.Attr {
	return slog.String(KeyURI, uri)
}

// Subsystem returns a slog.Attr for an NVMe-oF subsystem NQN.
func Subsystem(nqn string) slog.Attr {
	return slog.String(KeySubsys, nqn)
}

// State returns a slog.Attr for the new state of a transition.
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// OldState returns a slog.Attr for the prior state of a transition.
func OldState(s string) slog.Attr {
	return slog.String(KeyOldState, s)
}

// Reason returns a slog.Attr for a fault/transition reason.
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Length returns a slog.Attr for a byte length.
func Length(n uint64) slog.Attr {
	return slog.Uint64(KeyLength, n)
}

// BytesRead returns a slog.Attr for actual bytes read.
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written.
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// TraceID returns a slog.Attr for the correlation id.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog.Attr for a stable error-kind code.
func ErrorKind(kind string) slog.Attr {
	return slog.String(KeyErrorKind, kind)
}
