// Package rebuild copies one nexus child's contents onto another, segment
// by segment, so a newly added or previously faulted child can catch back
// up to a healthy one. A job reads each segment from the source
// child's handle and writes it to the destination child's handle directly
// — it does not go through the nexus's own fan-out path, since only the
// destination is meant to receive this traffic until the job completes.
package rebuild

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/io-engine/io-engine/internal/bytesize"
	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/nexus"
)

// DefaultSegmentSize is the unit of work a rebuild job copies per
// iteration, typically bounded by a device's maximum I/O size.
const DefaultSegmentSize = 64 * bytesize.KiB

// checkpointProperty is the property key a rebuild job's progress
// checkpoint is stored under, scoped per (nexus UUID, destination URI) via
// checkpointEntity so unrelated rebuilds never collide.
const checkpointProperty = "rebuild_checkpoint_offset"

// checkpointEvery bounds how often the copy loop persists a checkpoint:
// once every this many segments, not once per segment, so checkpointing
// doesn't dominate the store's write load on a small segment size.
const checkpointEvery = 16

func checkpointEntity(nexusUUID, dstURI string) string {
	return nexusUUID + "#" + dstURI
}

// State is a rebuild job's own lifecycle, independent of the destination
// child's ChildState (the job drives that transition, it doesn't mirror it).
type State int

const (
	Created State = iota
	Running
	Paused
	Stopping
	Stopped
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ByteRange is the half-open [Start, End) span of the destination child
// a rebuild job copies.
type ByteRange struct {
	Start uint64
	End   uint64
}

// Progress is a rebuild job's pollable snapshot, safe to read at any time
// regardless of the job's own state.
type Progress struct {
	BlocksTotal       uint64
	BlocksTransferred uint64
	BytesTransferred  uint64
	StartTime         time.Time
	LastUpdate        time.Time
}

// Job copies Range from SrcURI to DstURI, both children of Nexus, one
// segment at a time.
type Job struct {
	Nexus  *nexus.Nexus
	SrcURI string
	DstURI string
	Range  ByteRange

	// Verify requests a read-compare pass over the whole range after the
	// copy loop finishes, before the destination flips to Open. It
	// doubles read I/O, so it is off by default; set it when the caller
	// wants a byte-exact guarantee rather than trusting the copy.
	Verify bool

	segmentSize uint64

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	paused   bool
	stopped  bool
	err      error
	progress Progress

	done chan struct{}
}

// New builds a rebuild job for the [Created] state; call Start to run it.
func New(n *nexus.Nexus, srcURI, dstURI string, byteRange ByteRange) *Job {
	segSize := uint64(DefaultSegmentSize)
	if bs := uint64(n.BlockSize()); bs > 0 && segSize > bs {
		segSize -= segSize % bs
	}

	j := &Job{
		Nexus:       n,
		SrcURI:      srcURI,
		DstURI:      dstURI,
		Range:       byteRange,
		segmentSize: segSize,
		state:       Created,
	}
	j.cond = sync.NewCond(&j.mu)

	if bs := n.BlockSize(); bs > 0 && byteRange.End > byteRange.Start {
		j.progress.BlocksTotal = (byteRange.End - byteRange.Start) / uint64(bs)
	}
	return j
}

// NewResumable builds a rebuild job the same way New does, but first
// consults the destination's persisted checkpoint: if one exists and
// falls inside byteRange, the job starts from that offset instead of
// byteRange.Start, so a process restart mid-rebuild resumes rather than
// starts from zero. Absent or unparseable checkpoint data is treated the
// same as no checkpoint at all.
func NewResumable(ctx context.Context, n *nexus.Nexus, srcURI, dstURI string, byteRange ByteRange) *Job {
	j := New(n, srcURI, dstURI, byteRange)

	store := n.Store()
	if store == nil {
		return j
	}
	raw, err := store.GetProperty(ctx, checkpointEntity(n.UUID.String(), dstURI), checkpointProperty)
	if err != nil {
		return j
	}
	offset, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil || offset <= byteRange.Start || offset >= byteRange.End {
		return j
	}

	j.Range.Start = offset
	if bs := n.BlockSize(); bs > 0 {
		j.progress.BlocksTotal = (j.Range.End - j.Range.Start) / uint64(bs)
	}
	logger.Info("rebuild job resuming from checkpoint", "dst", dstURI, "offset", offset)
	return j
}

// Start claims the destination child (rejecting a second concurrent
// rebuild against it) and runs the copy loop in the background.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != Created {
		j.mu.Unlock()
		return ioerr.New(ioerr.FailedPrecondition, "rebuild job for %s is not in Created state", j.DstURI)
	}
	if _, err := j.Nexus.BeginRebuild(j.DstURI); err != nil {
		j.mu.Unlock()
		return err
	}
	j.state = Running
	j.progress.StartTime = time.Now()
	j.progress.LastUpdate = j.progress.StartTime
	j.done = make(chan struct{})
	j.mu.Unlock()

	logger.Info("rebuild job started", "src", j.SrcURI, "dst", j.DstURI, "bytes", j.Range.End-j.Range.Start)
	go j.run(ctx)
	return nil
}

// Pause suspends the copy loop after its current segment completes.
func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Running {
		return ioerr.New(ioerr.FailedPrecondition, "rebuild job for %s is not Running", j.DstURI)
	}
	j.paused = true
	j.state = Paused
	return nil
}

// Resume un-suspends a Paused job.
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Paused {
		return ioerr.New(ioerr.FailedPrecondition, "rebuild job for %s is not Paused", j.DstURI)
	}
	j.paused = false
	j.state = Running
	j.cond.Broadcast()
	return nil
}

// Stop requests the job terminate at its next segment boundary. It is
// idempotent and safe to call from any state, including from the manager
// reacting to the job's source child being removed.
func (j *Job) Stop() {
	j.mu.Lock()
	if j.state == Completed || j.state == Failed || j.state == Stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	j.paused = false
	j.state = Stopping
	j.cond.Broadcast()
	j.mu.Unlock()
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error that moved the job to Failed, or nil.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Progress returns a snapshot of the job's transfer progress, pollable
// regardless of the job's current state.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	src, err := j.Nexus.ChildByURI(j.SrcURI)
	if err != nil {
		j.fail(ctx, err)
		return
	}
	dst, err := j.Nexus.ChildByURI(j.DstURI)
	if err != nil {
		j.fail(ctx, err)
		return
	}

	offset := j.Range.Start
	segmentsSinceCheckpoint := 0
	for offset < j.Range.End {
		if stopped := j.waitIfPaused(); stopped {
			j.finishStopped()
			return
		}
		select {
		case <-ctx.Done():
			j.finishStopped()
			return
		default:
		}

		length := j.segmentSize
		if remaining := j.Range.End - offset; remaining < length {
			length = remaining
		}

		buf, err := bdev.NewDmaBuf(int(length), src.Handle().Alignment())
		if err != nil {
			j.fail(ctx, err)
			return
		}

		if status := src.Handle().ReadAt(ctx, buf, offset); !status.Success {
			buf.Release()
			j.fail(ctx, status.Err())
			return
		}
		if status := dst.Handle().WriteAt(ctx, buf, offset); !status.Success {
			buf.Release()
			j.fail(ctx, status.Err())
			return
		}
		buf.Release()

		offset += length
		j.advance(length, j.Nexus.BlockSize())

		segmentsSinceCheckpoint++
		if segmentsSinceCheckpoint >= checkpointEvery {
			j.checkpoint(ctx, offset)
			segmentsSinceCheckpoint = 0
		}
	}

	if j.Verify {
		if stopped := j.waitIfPaused(); stopped {
			j.finishStopped()
			return
		}
		if err := j.verify(ctx, src, dst); err != nil {
			j.fail(ctx, err)
			return
		}
	}

	j.complete(ctx)
}

// verify re-reads the whole range from src and dst and byte-compares them,
// segment by segment, returning an Internal error on the first mismatch.
// It runs after the copy loop, so any stop/pause request racing it is
// honored the same way the copy loop honors one.
func (j *Job) verify(ctx context.Context, src, dst *nexus.Child) error {
	offset := j.Range.Start
	for offset < j.Range.End {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		length := j.segmentSize
		if remaining := j.Range.End - offset; remaining < length {
			length = remaining
		}

		srcBuf, err := bdev.NewDmaBuf(int(length), src.Handle().Alignment())
		if err != nil {
			return err
		}
		if status := src.Handle().ReadAt(ctx, srcBuf, offset); !status.Success {
			srcBuf.Release()
			return status.Err()
		}

		dstBuf, err := bdev.NewDmaBuf(int(length), dst.Handle().Alignment())
		if err != nil {
			srcBuf.Release()
			return err
		}
		if status := dst.Handle().ReadAt(ctx, dstBuf, offset); !status.Success {
			srcBuf.Release()
			dstBuf.Release()
			return status.Err()
		}

		mismatch := !bytes.Equal(srcBuf.Bytes(), dstBuf.Bytes())
		srcBuf.Release()
		dstBuf.Release()
		if mismatch {
			return ioerr.New(ioerr.Internal, "rebuild verify mismatch for %s at offset %d, length %d", j.DstURI, offset, length)
		}

		offset += length
	}
	return nil
}

func (j *Job) waitIfPaused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.paused && !j.stopped {
		j.cond.Wait()
	}
	return j.stopped
}

func (j *Job) advance(n uint64, blockSize uint32) {
	j.mu.Lock()
	j.progress.BytesTransferred += n
	if blockSize > 0 {
		j.progress.BlocksTransferred += n / uint64(blockSize)
	}
	j.progress.LastUpdate = time.Now()
	j.mu.Unlock()
}

func (j *Job) fail(ctx context.Context, cause error) {
	j.mu.Lock()
	j.state = Failed
	j.err = cause
	j.progress.LastUpdate = time.Now()
	j.mu.Unlock()

	if err := j.Nexus.FailRebuild(ctx, j.DstURI, cause); err != nil {
		logger.Warn("rebuild job could not mark destination faulted", "dst", j.DstURI, "error", err)
	}
	logger.Warn("rebuild job failed", "src", j.SrcURI, "dst", j.DstURI, "error", cause)
}

func (j *Job) complete(ctx context.Context) {
	j.mu.Lock()
	j.state = Completed
	j.progress.LastUpdate = time.Now()
	j.mu.Unlock()

	j.clearCheckpoint(ctx)
	if err := j.Nexus.CompleteRebuild(ctx, j.DstURI); err != nil {
		logger.Warn("rebuild job could not mark destination open", "dst", j.DstURI, "error", err)
	}
	logger.Info("rebuild job completed", "src", j.SrcURI, "dst", j.DstURI)
}

// checkpoint persists the copy loop's current offset so NewResumable can
// pick the job back up after a process restart. Failure to persist is
// logged but never fails the rebuild itself — a missed checkpoint only
// costs a deeper restart-from-scratch later, it isn't a correctness issue.
func (j *Job) checkpoint(ctx context.Context, offset uint64) {
	store := j.Nexus.Store()
	if store == nil {
		return
	}
	key := checkpointEntity(j.Nexus.UUID.String(), j.DstURI)
	if err := store.PutProperty(ctx, key, checkpointProperty, []byte(strconv.FormatUint(offset, 10))); err != nil {
		logger.Warn("rebuild job could not persist checkpoint", "dst", j.DstURI, "offset", offset, "error", err)
	}
}

// clearCheckpoint removes a completed job's checkpoint so a later rebuild
// against the same destination never resumes from stale progress.
func (j *Job) clearCheckpoint(ctx context.Context) {
	store := j.Nexus.Store()
	if store == nil {
		return
	}
	key := checkpointEntity(j.Nexus.UUID.String(), j.DstURI)
	if err := store.DeleteProperties(ctx, key); err != nil {
		logger.Warn("rebuild job could not clear checkpoint", "dst", j.DstURI, "error", err)
	}
}

func (j *Job) finishStopped() {
	j.mu.Lock()
	j.state = Stopped
	j.progress.LastUpdate = time.Now()
	j.mu.Unlock()

	if err := j.Nexus.CancelRebuild(j.DstURI); err != nil {
		logger.Warn("rebuild job could not clear destination rebuild flag", "dst", j.DstURI, "error", err)
	}
	logger.Info("rebuild job stopped", "src", j.SrcURI, "dst", j.DstURI)
}
