// Package diffarea implements the Diff Area (spec.md §4.4): the per-chunk
// copy-on-write map that sits between the Tracker's write filter and the
// original device. This is "the hard part" of the engine: it guarantees
// exactly one copy-out winner per chunk race, serves reads from whichever
// side (original or diff store) currently holds a chunk's true content, and
// sticks to a corrupted state once the diff store can no longer be trusted.
//
// Grounded on original_source/module/diff_io.c and tracker.c's
// tracker_submit_bio_cb, which calls diff_area_copy before passing a write
// through; the per-chunk locking granularity mirrors the teacher's
// runner.go tag-mutex-array pattern, adapted from per-tag to per-chunk.
package diffarea

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/diffbuf"
	"github.com/arsaki/blksnap/internal/diffio"
	"github.com/arsaki/blksnap/internal/diffstorage"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/metrics"
)

// State is a chunk's position in the CoW state machine.
type State int

const (
	StateUnchanged State = iota
	StateCopying
	StateCopied
	StateFailed
)

type chunk struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	// extent is set once state reaches StateCopied; valid without holding
	// mu afterward since Copied is immutable per spec.md §3.
	extent diffstorage.Extent
}

// DiffStoreResolver maps a Diff Storage extent's device_id to the backing
// device it names. Diff Storage extents may span more than one backing
// device (spec.md §C), so the Diff Area cannot assume a single diff-store
// device the way it can for the one original device it shadows.
type DiffStoreResolver func(deviceID string) (interfaces.BlockDevice, bool)

// EventSink receives Diff Area corruption notifications. Implemented by
// *events.Queue; same contract as diffstorage.EventSink so both subsystems
// can share one Snapshot-scoped queue.
type EventSink interface {
	PublishCorrupted(payload string)
}

// Area is one device's Diff Area: a chunk-indexed CoW map shared by every
// reader and the Tracker's write filter for as long as a Tracker stays
// armed.
type Area struct {
	original     interfaces.BlockDevice
	diffStoreFor DiffStoreResolver
	storage      *diffstorage.Storage
	bufPool      *diffbuf.Pool
	io           *diffio.Engine
	sink         EventSink
	observer     metrics.Observer

	chunkSizeSectors int64
	chunkCount       int64
	chunks           []chunk

	corrupted atomic.Bool
}

// New creates a Diff Area over original, resolving CoW copy targets
// allocated from storage through diffStoreFor. chunkSizeSectors <= 0 falls
// back to the engine default. sink receives a PublishCorrupted notification
// whenever a copy-out failure poisons the Diff Area; sink may be nil.
// observer records every Copy() outcome (spec.md §4.4 copy()); a nil
// observer disables recording.
func New(original interfaces.BlockDevice, diffStoreFor DiffStoreResolver, storage *diffstorage.Storage, bufPool *diffbuf.Pool, io *diffio.Engine, sink EventSink, observer metrics.Observer, chunkSizeSectors int64) *Area {
	if chunkSizeSectors <= 0 {
		chunkSizeSectors = constants.DefaultChunkSizeSectors
	}
	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	capacitySectors := original.Size() / constants.SectorSize
	chunkCount := (capacitySectors + chunkSizeSectors - 1) / chunkSizeSectors
	if chunkCount < 1 {
		chunkCount = 1
	}

	a := &Area{
		original:         original,
		diffStoreFor:     diffStoreFor,
		storage:          storage,
		bufPool:          bufPool,
		io:               io,
		sink:             sink,
		observer:         observer,
		chunkSizeSectors: chunkSizeSectors,
		chunkCount:       chunkCount,
		chunks:           make([]chunk, chunkCount),
	}
	for i := range a.chunks {
		a.chunks[i].cond = sync.NewCond(&a.chunks[i].mu)
	}
	return a
}

// ErrKind distinguishes the three outcomes Copy/Read can report without
// pulling in the root package's structured error type.
type ErrKind int

const (
	Ok ErrKind = iota
	Retry
	Fail
)

func (a *Area) chunkRange(sector, count int64) (first, last int64) {
	first = sector / a.chunkSizeSectors
	last = (sector + count - 1) / a.chunkSizeSectors
	if last >= a.chunkCount {
		last = a.chunkCount - 1
	}
	return first, last
}

// Copy performs copy-on-write for every Unchanged chunk intersecting
// [sector, sector+count) ahead of an incoming write, per spec.md §4.4. When
// nowait is true, a chunk already Copying by another writer yields Retry
// instead of waiting for the race's winner. nowait does not make the
// winner's own copy-out non-blocking: it still acquires its buffer with a
// wait for pool headroom and performs the read and write synchronously.
func (a *Area) Copy(sector, count int64, nowait bool) ErrKind {
	if a.corrupted.Load() {
		return Fail
	}
	start := time.Now()
	first, last := a.chunkRange(sector, count)

	for idx := first; idx <= last; idx++ {
		c := &a.chunks[idx]
		if outcome := a.copyOneChunk(c, idx, nowait); outcome != Ok {
			if outcome == Retry {
				a.observer.ObserveCopyRetry()
			} else {
				a.observer.ObserveCopy(uint64(count*constants.SectorSize), uint64(time.Since(start)), false)
			}
			return outcome
		}
	}
	a.observer.ObserveCopy(uint64(count*constants.SectorSize), uint64(time.Since(start)), true)
	return Ok
}

func (a *Area) copyOneChunk(c *chunk, idx int64, nowait bool) ErrKind {
	c.mu.Lock()
	for c.state == StateCopying {
		if nowait {
			c.mu.Unlock()
			return Retry
		}
		c.cond.Wait()
	}
	switch c.state {
	case StateCopied:
		c.mu.Unlock()
		return Ok
	case StateFailed:
		c.mu.Unlock()
		return Fail
	}
	// StateUnchanged: this goroutine becomes the copy-out winner. Claim the
	// chunk before releasing the lock so every other racer sees Copying.
	c.state = StateCopying
	c.mu.Unlock()

	extent, err := a.copyChunkData(idx)

	c.mu.Lock()
	if err != nil {
		c.state = StateFailed
		c.cond.Broadcast()
		c.mu.Unlock()
		a.markCorrupted(fmt.Sprintf("chunk %d copy-out failed: %v", idx, err))
		return Fail
	}
	c.extent = extent
	c.state = StateCopied
	c.cond.Broadcast()
	c.mu.Unlock()
	return Ok
}

// copyChunkData reads the chunk's current content from the original device
// and persists it to a freshly allocated diff-store extent. It holds no
// chunk lock: only one goroutine ever reaches here per chunk, guaranteed by
// the Copying claim in copyOneChunk.
func (a *Area) copyChunkData(idx int64) (diffstorage.Extent, error) {
	extent, ok := a.storage.Allocate(a.chunkSizeSectors)
	if !ok {
		return diffstorage.Extent{}, errNoSpace
	}
	diffDev, ok := a.diffStoreFor(extent.DeviceID)
	if !ok {
		return diffstorage.Extent{}, errUnknownDiffStoreDevice
	}

	buf, ok := a.bufPool.Acquire(int(a.chunkSizeSectors), false)
	if !ok {
		return diffstorage.Extent{}, errNoSpace
	}
	defer a.bufPool.Release(buf)

	startSector := idx * a.chunkSizeSectors
	if err := a.io.Do(diffio.Request{
		Device:      a.original,
		Dir:         diffio.DirRead,
		StartSector: startSector,
		SectorCount: a.chunkSizeSectors,
		Buf:         buf.Bytes,
	}); err != nil {
		return diffstorage.Extent{}, err
	}

	if err := a.io.Do(diffio.Request{
		Device:      diffDev,
		Dir:         diffio.DirWrite,
		StartSector: extent.StartSector,
		SectorCount: a.chunkSizeSectors,
		Buf:         buf.Bytes,
		FUA:         true,
	}); err != nil {
		return diffstorage.Extent{}, err
	}

	return extent, nil
}

// Read services [sector, sector+count) into buf from whichever side holds
// the current chunk content: the diff store for Copied chunks, the
// original device otherwise. A chunk mid-copy blocks the reader until the
// race resolves, since the reader needs a consistent view either way.
func (a *Area) Read(sector, count int64, buf []byte) ErrKind {
	if a.corrupted.Load() {
		return Fail
	}
	first, last := a.chunkRange(sector, count)
	bufOff := int64(0)

	for idx := first; idx <= last; idx++ {
		c := &a.chunks[idx]
		c.mu.Lock()
		for c.state == StateCopying {
			c.cond.Wait()
		}
		state := c.state
		extent := c.extent
		c.mu.Unlock()

		if state == StateFailed {
			return Fail
		}

		chunkStart := idx * a.chunkSizeSectors
		rangeStart := sector
		if chunkStart > rangeStart {
			rangeStart = chunkStart
		}
		chunkEnd := chunkStart + a.chunkSizeSectors
		rangeEnd := sector + count
		if chunkEnd < rangeEnd {
			rangeEnd = chunkEnd
		}
		n := rangeEnd - rangeStart

		var dev interfaces.BlockDevice
		var devSector int64
		if state == StateCopied {
			diffDev, ok := a.diffStoreFor(extent.DeviceID)
			if !ok {
				return Fail
			}
			dev = diffDev
			devSector = extent.StartSector + (rangeStart - chunkStart)
		} else {
			dev = a.original
			devSector = rangeStart
		}

		if err := a.io.Do(diffio.Request{
			Device:      dev,
			Dir:         diffio.DirRead,
			StartSector: devSector,
			SectorCount: n,
			Buf:         buf[bufOff : bufOff+n*constants.SectorSize],
		}); err != nil {
			return Fail
		}
		bufOff += n * constants.SectorSize
	}
	return Ok
}

// MarkCorrupted sticks the Diff Area in a permanently failing state:
// OutOfFreeSpace or an I/O failure during copy-out makes every chunk's
// content untrustworthy, per spec.md §4.4/§7.
func (a *Area) MarkCorrupted() {
	a.markCorrupted("diff area marked corrupted")
}

// markCorrupted poisons the Diff Area and, per spec.md §7, always delivers
// the condition to the Event Queue in addition to reflecting it on
// subsequent command returns via IsCorrupted.
func (a *Area) markCorrupted(payload string) {
	a.corrupted.Store(true)
	if a.sink != nil {
		a.sink.PublishCorrupted(payload)
	}
}

// IsCorrupted reports whether the Diff Area has been poisoned.
func (a *Area) IsCorrupted() bool {
	return a.corrupted.Load()
}

// ChunkState returns the current state of the chunk covering sector, for
// tests and diagnostics.
func (a *Area) ChunkState(sector int64) State {
	idx := sector / a.chunkSizeSectors
	if idx >= a.chunkCount {
		idx = a.chunkCount - 1
	}
	c := &a.chunks[idx]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
