// Package cbt implements the CBT Map (spec.md §4.5): a generation-tagged,
// per-device changed-block bitmap. Hot-path Set is a lock-free byte write;
// Switch/Reset take an exclusive lock; ReadToUser takes a shared lock.
// Grounded on original_source/module/tracker.c's CBT lifecycle calls
// (track_collect, tracker_mark_dirty_blocks) for the field semantics this
// spec makes explicit.
package cbt

import (
	"sync"
	"sync/atomic"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/google/uuid"
)

// Map is one source device's changed-block table.
type Map struct {
	mu sync.RWMutex

	generationID string
	blockSize    int64 // bytes
	blockCount   int64
	capacity     int64 // device capacity in sectors

	snapNumberActive   atomic.Uint32 // hot-path read; written only under mu
	snapNumberPrevious uint32

	bitmap      []byte
	isCorrupted atomic.Bool
}

// New binds a CBT Map to a device capacity (in sectors) and chooses
// block_size as the smallest power-of-two >= ceil(capacity*SectorSize /
// 2^32), floored at one page, per spec.md §4.5.
func New(capacitySectors int64) *Map {
	m := &Map{capacity: capacitySectors}
	m.resetLocked(capacitySectors)
	return m
}

func blockSizeFor(capacityBytes int64) int64 {
	bs := int64(constants.PageSize)
	// smallest power-of-two >= ceil(capacityBytes / 2^32)
	minBlockSize := (capacityBytes + (1 << 32) - 1) >> 32
	for bs < minBlockSize {
		bs <<= 1
	}
	return bs
}

// Set marks every block intersecting [sector, sector+count) with the
// current snap_number_active. This is the hot path invoked from the write
// filter: it must not block and must not allocate.
func (m *Map) Set(sector, count int64) {
	if count <= 0 {
		return
	}
	snapNum := byte(m.snapNumberActive.Load())
	blockSectors := m.blockSize / constants.SectorSize

	startBlock := sector / blockSectors
	endBlock := (sector + count - 1) / blockSectors
	if endBlock >= m.blockCount {
		endBlock = m.blockCount - 1
	}

	// Relaxed, racy byte writes: concurrent Set calls on overlapping
	// blocks are safe because a single byte write is atomic on every
	// architecture Go targets for block devices.
	for b := startBlock; b <= endBlock; b++ {
		m.bitmap[b] = snapNum
	}
}

// Switch is called exactly once per snapshot capture while the device's
// queue is quiesced (spec.md §4.7 take() phase 3). It rolls
// snap_number_previous forward and bumps snap_number_active, returning an
// error and setting is_corrupted if snap_number_active would overflow.
func (m *Map) Switch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.snapNumberActive.Load()
	if active >= constants.MaxSnapNumber {
		m.isCorrupted.Store(true)
		return errOverflow
	}
	m.snapNumberPrevious = active
	m.snapNumberActive.Store(active + 1)
	return nil
}

// Reset clears the bitmap, regenerates generation_id, resets
// snap_number_active to 1 and snap_number_previous to 0, and clears
// is_corrupted. newCapacitySectors <= 0 keeps the current capacity.
func (m *Map) Reset(newCapacitySectors int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newCapacitySectors <= 0 {
		newCapacitySectors = m.capacity
	}
	m.resetLocked(newCapacitySectors)
}

func (m *Map) resetLocked(capacitySectors int64) {
	m.capacity = capacitySectors
	m.blockSize = blockSizeFor(capacitySectors * constants.SectorSize)
	blockSectors := m.blockSize / constants.SectorSize
	m.blockCount = (capacitySectors + blockSectors - 1) / blockSectors
	if m.blockCount < 1 {
		m.blockCount = 1
	}
	m.bitmap = make([]byte, m.blockCount)
	m.generationID = uuid.NewString()
	m.snapNumberActive.Store(1)
	m.snapNumberPrevious = 0
	m.isCorrupted.Store(false)
}

// ReadToUser copies raw bitmap bytes in [offset, offset+length) into out,
// returning the number of bytes copied. Callers diff these bytes against
// their last-known snapshot number.
func (m *Map) ReadToUser(offset, length int64, out []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 || offset > int64(len(m.bitmap)) {
		return 0, errOutOfRange
	}
	end := offset + length
	if end > int64(len(m.bitmap)) {
		end = int64(len(m.bitmap))
	}
	n := copy(out, m.bitmap[offset:end])
	return n, nil
}

// MarkDirty manually sets blocks intersecting the given ranges, using
// snap_number_active per spec.md §9 (manual marks conservatively
// over-report on the next diff rather than using snap_number_previous).
func (m *Map) MarkDirty(ranges [][2]int64) {
	for _, r := range ranges {
		m.Set(r[0], r[1])
	}
}

// GenerationID returns the current CBT generation UUID.
func (m *Map) GenerationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generationID
}

// SnapNumbers returns (previous, active) under the shared lock.
func (m *Map) SnapNumbers() (previous, active uint8) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint8(m.snapNumberPrevious), uint8(m.snapNumberActive.Load())
}

// BlockSize returns the CBT granularity in bytes.
func (m *Map) BlockSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blockSize
}

// BlockCount returns the number of blocks tracked.
func (m *Map) BlockCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blockCount
}

// IsCorrupted reports whether the CBT Map has detected a snap_number_active
// overflow since the last Reset.
func (m *Map) IsCorrupted() bool {
	return m.isCorrupted.Load()
}
