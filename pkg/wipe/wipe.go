// Package wipe overwrites a replica chunk by chunk with one of a small set
// of methods, streaming progress after every chunk and aborting the moment
// nobody is listening for it anymore.
package wipe

import (
	"context"
	"time"

	"github.com/io-engine/io-engine/internal/logger"
	"github.com/io-engine/io-engine/pkg/bdev"
	"github.com/io-engine/io-engine/pkg/config"
	"github.com/io-engine/io-engine/pkg/ioerr"
)

// Method selects the write pattern a wipe applies to each chunk.
type Method int

const (
	MethodNone Method = iota
	MethodWriteZeroes
	MethodUnmap
	MethodWritePattern
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "None"
	case MethodWriteZeroes:
		return "WriteZeroes"
	case MethodUnmap:
		return "Unmap"
	case MethodWritePattern:
		return "WritePattern"
	default:
		return "Unknown"
	}
}

// MaxChunks is an implementation-defined safety cap on total chunk count,
// bounding a single wipe request's progress-channel traffic and loop
// iteration count. A 1 GiB replica wiped in 1 MiB chunks (1024 chunks) must
// be refused as too many; the same replica wiped in 500 MiB chunks (3
// chunks) must still succeed.
const MaxChunks = 512

// Progress is emitted after every chunk completes, regardless of method.
type Progress struct {
	UUID          string
	WipedBytes    uint64
	WipedChunks   uint64
	TotalChunks   uint64
	LastChunkSize uint64
	Since         time.Time
}

// Job wipes one replica's handle using Method, ChunkSize at a time.
type Job struct {
	UUID      string
	Handle    *bdev.Handle
	ChunkSize uint64
	Method    Method
	Pattern   uint32

	deviceSize  uint64
	totalChunks uint64
}

// New validates the wipe's preconditions: chunk size must be a
// device-block-size multiple, must not exceed the device's own size, and
// the resulting chunk count must not exceed MaxChunks. It returns a job
// ready to Run.
func New(uuidStr string, handle *bdev.Handle, chunkSize uint64, method Method, pattern uint32) (*Job, error) {
	if chunkSize == 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "wipe chunk size must be positive")
	}
	blockSize := uint64(handle.BlockSize())
	if blockSize == 0 || chunkSize%blockSize != 0 {
		return nil, ioerr.New(ioerr.InvalidArgument, "wipe chunk size %d is not a multiple of block size %d", chunkSize, blockSize)
	}

	deviceSize := handle.BlockCount() * blockSize
	if chunkSize > deviceSize {
		return nil, ioerr.New(ioerr.InvalidArgument, "wipe chunk size %d exceeds device size %d", chunkSize, deviceSize)
	}

	totalChunks := deviceSize / chunkSize
	if deviceSize%chunkSize != 0 {
		totalChunks++
	}
	if totalChunks > MaxChunks {
		return nil, ioerr.New(ioerr.ResourceExhausted, "wipe of device size %d with chunk size %d would need %d chunks, exceeding the %d cap", deviceSize, chunkSize, totalChunks, MaxChunks)
	}

	return &Job{
		UUID:        uuidStr,
		Handle:      handle,
		ChunkSize:   chunkSize,
		Method:      method,
		Pattern:     pattern,
		deviceSize:  deviceSize,
		totalChunks: totalChunks,
	}, nil
}

// Run wipes the device chunk by chunk, sending a Progress update after
// each one and closing progress when the wipe finishes, fails, or is
// aborted. It aborts either when ctx is cancelled directly or when the
// progress channel's receiver stops draining it — sending blocks, and a
// blocked send racing ctx.Done() is exactly "the consumer disappeared".
func (j *Job) Run(ctx context.Context, progress chan<- Progress) error {
	defer close(progress)

	since := time.Now()
	var wipedBytes, wipedChunks uint64
	offset := uint64(0)

	for wipedChunks < j.totalChunks {
		select {
		case <-ctx.Done():
			return ioerr.Wrap(ioerr.Cancelled, ctx.Err(), "wipe of %s aborted", j.UUID)
		default:
		}

		length := j.ChunkSize
		if remaining := j.deviceSize - offset; remaining < length {
			length = remaining
		}

		if err := j.wipeChunk(ctx, offset, length); err != nil {
			return err
		}

		offset += length
		wipedBytes += length
		wipedChunks++

		select {
		case progress <- Progress{
			UUID:          j.UUID,
			WipedBytes:    wipedBytes,
			WipedChunks:   wipedChunks,
			TotalChunks:   j.totalChunks,
			LastChunkSize: length,
			Since:         since,
		}:
		case <-ctx.Done():
			return ioerr.New(ioerr.Cancelled, "wipe of %s aborted: progress stream consumer disappeared", j.UUID)
		}
	}

	logger.Info("wipe completed", "uuid", j.UUID, "method", j.Method.String(), "bytes", wipedBytes)
	return nil
}

// wipeChunk sub-divides one chunk at config.WipeSubChunkCap to keep
// per-I/O latency bounded, applying Method to each sub-chunk in turn.
func (j *Job) wipeChunk(ctx context.Context, offset, length uint64) error {
	const subCap = uint64(config.WipeSubChunkCap)

	for remaining := length; remaining > 0; {
		sub := remaining
		if sub > subCap {
			sub = subCap
		}
		if err := j.wipeSub(ctx, offset, sub); err != nil {
			return err
		}
		offset += sub
		remaining -= sub
	}
	return nil
}

func (j *Job) wipeSub(ctx context.Context, offset, length uint64) error {
	switch j.Method {
	case MethodNone:
		return nil

	case MethodWriteZeroes:
		return j.Handle.WriteZeroesAt(ctx, offset, length).Err()

	case MethodUnmap:
		// No backend currently exposes a distinct deallocate/TRIM
		// primitive (see pkg/bdev.Backend), so unmap is implemented as
		// a zero-fill: every existing backend already reads an
		// unmapped block back as zero, which is the externally
		// observable contract a caller of Unmap actually depends on.
		return j.Handle.WriteZeroesAt(ctx, offset, length).Err()

	case MethodWritePattern:
		buf, err := bdev.NewDmaBuf(int(length), j.Handle.Alignment())
		if err != nil {
			return err
		}
		defer buf.Release()
		fillPattern(buf.Bytes(), j.Pattern)
		return j.Handle.WriteAt(ctx, buf, offset).Err()

	default:
		return ioerr.New(ioerr.InvalidArgument, "unknown wipe method %v", j.Method)
	}
}

func fillPattern(dst []byte, pattern uint32) {
	var word [4]byte
	word[0] = byte(pattern)
	word[1] = byte(pattern >> 8)
	word[2] = byte(pattern >> 16)
	word[3] = byte(pattern >> 24)
	for i := range dst {
		dst[i] = word[i%4]
	}
}
