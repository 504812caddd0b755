// Package faultinject implements the optional fault-injection feature:
// registrations parsed from inject:// URIs are matched against every
// read/write dispatch a nexus makes, and a matching, currently active
// registration turns that dispatch into a synthetic I/O error instead of
// touching the real device.
package faultinject

import (
	"sync"
	"time"

	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/uri"
)

// record is one registered injection plus the mutable counter/clock state
// Check advances as dispatches arrive.
type record struct {
	inject       uri.Inject
	registeredAt time.Time

	mu    sync.Mutex
	count uint64
}

// Registry holds the fault-injection records for a single nexus, gated by
// FaultInjectionConfig.Enabled. The feature is runtime-gated so a
// production config can disable it outright without a separate build, and
// a disabled Registry's Check is always a no-op.
type Registry struct {
	enabled bool

	mu      sync.RWMutex
	records []*record
}

// NewRegistry returns an empty registry. enabled mirrors
// config.FaultInjectionConfig.Enabled; when false, Add still registers
// records (List still reports them) but Check never fires.
func NewRegistry(enabled bool) *Registry {
	return &Registry{enabled: enabled}
}

// Enabled reports whether this registry can actually inject faults.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Add parses and registers an inject:// URI, starting its time window
// clock at the moment of registration.
func (r *Registry) Add(rawURI string) (*uri.Inject, error) {
	inj, err := uri.ParseInject(rawURI)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, &record{inject: *inj, registeredAt: time.Now()})
	return inj, nil
}

// Remove drops every injection registered against device for op.
func (r *Registry) Remove(device string, op uri.InjectOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	removed := false
	for _, rec := range r.records {
		if rec.inject.Device == device && rec.inject.Op == op {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	if !removed {
		return ioerr.New(ioerr.NotFound, "no fault injection registered for device %s op %s", device, op)
	}
	return nil
}

// List returns a snapshot of every registered injection.
func (r *Registry) List() []uri.Inject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uri.Inject, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.inject
	}
	return out
}

// Check reports whether device/op should be faulted right now. A nil or
// disabled registry always returns nil, short-circuiting straight to the
// success-path dispatch.
func (r *Registry) Check(device string, op uri.InjectOp) error {
	if r == nil || !r.enabled {
		return nil
	}

	r.mu.RLock()
	var matches []*record
	for _, rec := range r.records {
		if rec.inject.Device == device && rec.inject.Op == op {
			matches = append(matches, rec)
		}
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, rec := range matches {
		if rec.fire(now) {
			return ioerr.New(ioerr.IoError, "fault injected on %s %s", device, op)
		}
	}
	return nil
}

// fire advances the record's dispatch counter and reports whether the
// dispatch this call represents falls inside both the time window
// (begin/end, measured from registration) and the counter window
// (start_cnt/end_cnt, measured in matching dispatches seen so far).
// begin/end/start_cnt/end_cnt are all optional in the URI grammar; an
// unset upper bound reads as "no expiry" rather than "expires
// immediately" (see DESIGN.md). The counter advances on every matching
// dispatch, not only on ones that actually fire, so start_cnt/end_cnt
// address a stable half-open range of call indices.
func (rec *record) fire(now time.Time) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	idx := rec.count
	rec.count++

	elapsed := uint64(now.Sub(rec.registeredAt).Milliseconds())
	timeActive := elapsed >= rec.inject.BeginMs && (rec.inject.EndMs == 0 || elapsed < rec.inject.EndMs)
	countActive := idx >= rec.inject.StartCnt && (rec.inject.EndCnt == 0 || idx < rec.inject.EndCnt)
	return timeActive && countActive
}
