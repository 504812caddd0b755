// Package stats implements the cumulative I/O counters exposed by every
// layered object in the data plane (block device, pool, replica, nexus).
package stats

import "sync/atomic"

// Counters holds the cumulative I/O counters for a single object.
// All fields are updated atomically so a reactor goroutine can record I/O
// completions while an admin goroutine reads a snapshot concurrently.
type Counters struct {
	numReadOps       atomic.Uint64
	numWriteOps      atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
	numUnmapOps      atomic.Uint64
	bytesUnmapped    atomic.Uint64
	readLatencyTicks atomic.Uint64
	writeLatencyTicks atomic.Uint64
}

// Snapshot is an immutable point-in-time copy of Counters, safe to hand to
// callers outside the data path (admin API, Prometheus scrape).
type Snapshot struct {
	NumReadOps        uint64
	NumWriteOps       uint64
	BytesRead         uint64
	BytesWritten      uint64
	NumUnmapOps       uint64
	BytesUnmapped     uint64
	ReadLatencyTicks  uint64
	WriteLatencyTicks uint64
}

// RecordRead accounts for a completed read of n bytes taking latencyTicks.
func (c *Counters) RecordRead(n uint64, latencyTicks uint64) {
	c.numReadOps.Add(1)
	c.bytesRead.Add(n)
	c.readLatencyTicks.Add(latencyTicks)
}

// RecordWrite accounts for a completed write of n bytes taking latencyTicks.
func (c *Counters) RecordWrite(n uint64, latencyTicks uint64) {
	c.numWriteOps.Add(1)
	c.bytesWritten.Add(n)
	c.writeLatencyTicks.Add(latencyTicks)
}

// RecordUnmap accounts for a completed unmap of n bytes.
func (c *Counters) RecordUnmap(n uint64) {
	c.numUnmapOps.Add(1)
	c.bytesUnmapped.Add(n)
}

// Snapshot returns a consistent-enough point-in-time copy of the counters.
// Individual fields may interleave with concurrent updates; cumulative
// counters like these don't need a single atomic multi-field snapshot.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		NumReadOps:        c.numReadOps.Load(),
		NumWriteOps:       c.numWriteOps.Load(),
		BytesRead:         c.bytesRead.Load(),
		BytesWritten:      c.bytesWritten.Load(),
		NumUnmapOps:       c.numUnmapOps.Load(),
		BytesUnmapped:     c.bytesUnmapped.Load(),
		ReadLatencyTicks:  c.readLatencyTicks.Load(),
		WriteLatencyTicks: c.writeLatencyTicks.Load(),
	}
}

// Reset atomically zeroes every counter.
func (c *Counters) Reset() {
	c.numReadOps.Store(0)
	c.numWriteOps.Store(0)
	c.bytesRead.Store(0)
	c.bytesWritten.Store(0)
	c.numUnmapOps.Store(0)
	c.bytesUnmapped.Store(0)
	c.readLatencyTicks.Store(0)
	c.writeLatencyTicks.Store(0)
}
