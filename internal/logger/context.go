package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for an admin or I/O-path
// operation as it flows through bdev/pool/nexus/rebuild/nvmf.
type LogContext struct {
	TraceID   string    // caller-supplied correlation id (gRPC request id, etc.)
	Component string    // bdev, pool, nexus, rebuild, nvmf-target, nvmf-initiator, wipe
	Nexus     string    // nexus name/uuid, when applicable
	Pool      string    // pool name/uuid, when applicable
	Replica   string    // replica/child uri or uuid, when applicable
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given component.
func NewLogContext(component string) *LogContext {
	return &LogContext{
		Component: component,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		Component: lc.Component,
		Nexus:     lc.Nexus,
		Pool:      lc.Pool,
		Replica:   lc.Replica,
		StartTime: lc.StartTime,
	}
}

// WithNexus returns a copy with the nexus identifier set
func (lc *LogContext) WithNexus(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Nexus = name
	}
	return clone
}

// WithPool returns a copy with the pool identifier set
func (lc *LogContext) WithPool(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Pool = name
	}
	return clone
}

// WithReplica returns a copy with the replica identifier set
func (lc *LogContext) WithReplica(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Replica = name
	}
	return clone
}

// WithTrace returns a copy with the trace id set
func (lc *LogContext) WithTrace(traceID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
