// Package diffio implements the Diff I/O Engine (spec.md §4.2): scatter-
// gather reads and writes against a backing region, split into
// bio_max_segs-bounded sub-requests tracked by a shared atomic counter, the
// last completer signalling the waiter (sync) or invoking a callback on a
// worker (async). Grounded on original_source/module/diff_io.c's
// diff_io_do/diff_io_endio pair.
package diffio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/interfaces"
)

// ErrInvalidArgument is the sentinel wrapped by every precondition failure
// validate() raises; callers use errors.Is to detect it and map it to
// blksnap.KindInvalid without diffio importing the root package.
var ErrInvalidArgument = errors.New("diffio: invalid argument")

func invalidArg(op, msg string) error {
	return fmt.Errorf("%s: %s: %w", op, msg, ErrInvalidArgument)
}

// Direction distinguishes a read (pre-image fetch) from a write (diff-store
// persist) sub-request.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Request describes one scatter-gather operation against device at
// [startSector, startSector+sectorCount) using buf, which must cover at
// least sectorCount*SectorSize bytes.
type Request struct {
	Device      interfaces.BlockDevice
	Dir         Direction
	StartSector int64
	SectorCount int64
	Buf         []byte
	// FUA requests the caller treat completion as durable: the write has
	// reached stable storage, not merely the device's page cache. The
	// engine honors this by calling Flush on the backing device after the
	// last sub-request completes.
	FUA bool
}

// CompletionFunc is invoked exactly once after every sub-request of a
// Request finishes, with the first error encountered (nil on success).
type CompletionFunc func(err error)

// Engine runs Diff I/O Engine requests either synchronously or
// asynchronously against a worker pool. The concrete submission strategy
// (real io_uring when built with the "giouring" tag, a goroutine pool
// otherwise) is supplied by newPlatformSubmitter; both honor the same
// sub-request/atomic-counter algorithm here.
type Engine struct {
	submit submitFunc
}

// submitFunc issues one sub-request and reports completion via done. The
// platform backend decides how ("engine_uring.go" via io_uring,
// "engine_workerpool.go" via a goroutine pool) but every implementation
// must call done exactly once.
type submitFunc func(sub subRequest, done func(error))

type subRequest struct {
	device      interfaces.BlockDevice
	dir         Direction
	startSector int64
	sectorCount int64
	buf         []byte
}

// NewEngine constructs a Diff I/O Engine using the platform-appropriate
// submitter (io_uring under the "giouring" build tag, a worker-pool
// fallback in the default build).
func NewEngine() *Engine {
	return &Engine{submit: newPlatformSubmitter()}
}

// Do validates and executes req, blocking until every sub-request
// completes. This is the "sync" flavor of spec.md §4.2.
func (e *Engine) Do(req Request) error {
	errCh := make(chan error, 1)
	e.DoAsync(req, func(err error) { errCh <- err })
	return <-errCh
}

// DoAsync validates req and executes it asynchronously, invoking done
// exactly once after every sub-request completes (or immediately, with a
// validation error, before any sub-request is issued).
func (e *Engine) DoAsync(req Request, done CompletionFunc) {
	if err := validate(req); err != nil {
		done(err)
		return
	}

	subs := splitRequest(req)
	outstanding := atomic.Int64{}
	outstanding.Store(int64(len(subs)))

	var firstErr atomic.Pointer[error]

	complete := func(err error) {
		if err != nil {
			firstErr.CompareAndSwap(nil, &err)
		}
		if outstanding.Add(-1) == 0 {
			var result error
			if p := firstErr.Load(); p != nil {
				result = *p
			} else if req.FUA && req.Dir == DirWrite {
				result = req.Device.Flush()
			}
			done(result)
		}
	}

	for _, sub := range subs {
		e.submit(sub, complete)
	}
}

func validate(req Request) error {
	if req.Device == nil {
		return invalidArg("diff_io_do", "nil device")
	}
	if req.StartSector%int64(constants.PageSize/constants.SectorSize) != 0 {
		return invalidArg("diff_io_do", "start_sector not page-aligned")
	}
	needBytes := req.SectorCount * constants.SectorSize
	if needBytes > int64(len(req.Buf)) {
		return invalidArg("diff_io_do", "sector_count exceeds buffer capacity")
	}
	return nil
}

// splitRequest divides req into sub-requests each covering at most
// BioMaxSegs pages, mirroring diff_io_do's bio_list construction.
func splitRequest(req Request) []subRequest {
	sectorsPerPage := int64(constants.PageSize / constants.SectorSize)
	maxSectors := sectorsPerPage * constants.BioMaxSegs

	var subs []subRequest
	remaining := req.SectorCount
	sector := req.StartSector
	bufOff := int64(0)
	for remaining > 0 {
		n := remaining
		if n > maxSectors {
			n = maxSectors
		}
		byteLen := n * constants.SectorSize
		subs = append(subs, subRequest{
			device:      req.Device,
			dir:         req.Dir,
			startSector: sector,
			sectorCount: n,
			buf:         req.Buf[bufOff : bufOff+byteLen],
		})
		sector += n
		bufOff += byteLen
		remaining -= n
	}
	return subs
}

func execSub(sub subRequest) error {
	off := sub.startSector * constants.SectorSize
	var err error
	if sub.dir == DirRead {
		_, err = sub.device.ReadAt(sub.buf, off)
	} else {
		_, err = sub.device.WriteAt(sub.buf, off)
	}
	return err
}
