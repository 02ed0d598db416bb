// Package diffstorage implements Diff Storage (spec.md §4.3): an ordered,
// multi-device free-extent pool contributed by user space, handed out in
// FIFO order to Diff Area copies. Grounded on
// original_source/module/snapshot.c's snapshot_append_storage, whose
// dev_id parameter confirms a single Diff Storage spans more than one
// backing device.
package diffstorage

import (
	"sync"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/metrics"
)

// Extent is a contiguous free run on one backing device.
type Extent struct {
	DeviceID    string
	StartSector int64
	SectorCount int64
}

// EventCode identifies a Diff Storage condition the Event Queue delivers
// to user space.
type EventCode int

const (
	EventLowFreeSpace EventCode = iota
	EventOutOfFreeSpace
)

// EventSink receives Diff Storage events. Implemented by
// internal/events.Queue; kept as an interface here to avoid a dependency
// cycle (events imports nothing from diffstorage).
type EventSink interface {
	Publish(code int, payload string)
}

// Storage is the shared free-extent pool for every Diff Area belonging to
// one Snapshot.
type Storage struct {
	mu               sync.Mutex
	free             []Extent // FIFO order: extents are consumed front-to-back
	totalSectors     int64
	consumedSectors  int64
	minimumSectors   int64
	lowSpaceNotified bool
	sink             EventSink
	observer         metrics.Observer
}

// New creates an empty Diff Storage pool. minimumSectors is the
// `diff_storage_minimum_sectors` low-water mark from spec.md §6; a
// non-positive value falls back to the engine default. observer records
// allocate() outcomes (spec.md §4.3); a nil observer disables recording.
func New(minimumSectors int64, sink EventSink, observer metrics.Observer) *Storage {
	if minimumSectors <= 0 {
		minimumSectors = constants.DefaultDiffStorageMinimumSectors
	}
	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	return &Storage{minimumSectors: minimumSectors, sink: sink, observer: observer}
}

// Append adds a free extent contributed by user space
// (`snapshot_append_storage`, spec.md §6). Extents are not validated for
// overlap against the source devices; Diff Storage only tracks what user
// space promised it owns.
func (s *Storage) Append(deviceID string, startSector, sectorCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, Extent{DeviceID: deviceID, StartSector: startSector, SectorCount: sectorCount})
	s.totalSectors += sectorCount
}

// Allocate hands out sectorCount contiguous sectors from a single backing
// device. It scans the free list in FIFO (arrival) order and takes the
// first extent that can satisfy the request whole, splitting its head if
// it is larger than needed; extents too small for the request are left in
// place for a future, smaller request rather than discarded, since a
// single Extent cannot span two non-adjacent appended regions.
func (s *Storage) Allocate(sectorCount int64) (Extent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, head := range s.free {
		if head.SectorCount < sectorCount {
			continue
		}

		allocated := Extent{DeviceID: head.DeviceID, StartSector: head.StartSector, SectorCount: sectorCount}
		head.StartSector += sectorCount
		head.SectorCount -= sectorCount
		s.consumedSectors += sectorCount
		if head.SectorCount == 0 {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.free[i] = head
		}

		s.maybeNotifyLowSpaceLocked()
		s.observer.ObserveAlloc(true)
		return allocated, true
	}

	s.publishLocked(EventOutOfFreeSpace, "diff storage exhausted")
	s.observer.ObserveAlloc(false)
	return Extent{}, false
}

// FreeSectors reports sectors still available for allocation.
func (s *Storage) FreeSectors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSectors - s.consumedSectors
}

func (s *Storage) maybeNotifyLowSpaceLocked() {
	free := s.totalSectors - s.consumedSectors
	if free < s.minimumSectors && !s.lowSpaceNotified {
		s.lowSpaceNotified = true
		s.publishLocked(EventLowFreeSpace, "diff storage below minimum watermark")
	}
	if free >= s.minimumSectors {
		s.lowSpaceNotified = false
	}
}

func (s *Storage) publishLocked(code EventCode, payload string) {
	if s.sink != nil {
		s.sink.Publish(int(code), payload)
	}
}
