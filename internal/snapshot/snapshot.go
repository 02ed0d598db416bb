// Package snapshot implements the Snapshot lifecycle (spec.md §4.7):
// all-or-nothing multi-device capture built from one Diff Area per tracked
// device and one Diff Storage shared across every device in the set, plus
// the per-snapshot Event Queue and captured Snapshot Images.
//
// Grounded on original_source/module/snapshot.c's snapshot_create,
// snapshot_take, and snapshot_free: the ordered freeze/quiesce/thaw phases
// and the rollback-on-failure walk are carried over closely, since they
// are exactly what spec.md §4.7 and §9 ask to be preserved.
package snapshot

import (
	"fmt"

	"github.com/arsaki/blksnap/internal/diffarea"
	"github.com/arsaki/blksnap/internal/diffbuf"
	"github.com/arsaki/blksnap/internal/diffio"
	"github.com/arsaki/blksnap/internal/diffstorage"
	"github.com/arsaki/blksnap/internal/events"
	"github.com/arsaki/blksnap/internal/image"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/metrics"
	"github.com/arsaki/blksnap/internal/tracker"
	"github.com/google/uuid"
)

// member binds one tracked device to the resources a Snapshot manages on
// its behalf.
type member struct {
	tracker  *tracker.Tracker
	freezer  tracker.Freezer
	original interfaces.BlockDevice
	diffArea *diffarea.Area
	image    *image.Image
}

// Snapshot owns one capture's Diff Storage, Diff Areas, Event Queue, and
// published Images across every tracked device named at creation, per
// spec.md §3's all-or-nothing arming contract. Diff Storage extents may
// span more than one backing device (spec.md §C); diffStoreDevices
// resolves each extent's device_id to the device Take's Diff Areas read
// and write against.
type Snapshot struct {
	ID               string
	members          []*member
	storage          *diffstorage.Storage
	diffStoreDevices map[string]interfaces.BlockDevice
	events           *events.Queue
	bufPool          *diffbuf.Pool
	io               *diffio.Engine
	chunkSize        int64
	observer         metrics.Observer
	taken            bool
	refcount         int64
}

// Create builds a Snapshot over the given trackers (one per device named
// in track_add), per spec.md §4.7 Create. diffStoreDeviceIDs/diffStores
// register the backing devices available to satisfy Diff Storage extents
// appended later via AppendStorage. bufferPoolCapacityBytes <= 0 falls
// back to the Diff Buffer Pool's own default. observer records Diff Area
// copy, Diff Storage allocation, and Snapshot Image read activity across
// every member device; a nil observer disables recording.
func Create(trackers []*tracker.Tracker, freezers []tracker.Freezer, originals []interfaces.BlockDevice, diffStoreDeviceIDs []string, diffStores []interfaces.BlockDevice, minimumSectors, chunkSizeSectors, bufferPoolCapacityBytes int64, observer metrics.Observer) (*Snapshot, error) {
	if len(trackers) == 0 {
		return nil, fmt.Errorf("snapshot: create: %w", errNoDevices)
	}
	if len(trackers) != len(freezers) || len(trackers) != len(originals) {
		return nil, fmt.Errorf("snapshot: create: %w", errMismatchedDevices)
	}
	if len(diffStoreDeviceIDs) != len(diffStores) {
		return nil, fmt.Errorf("snapshot: create: %w", errMismatchedDevices)
	}

	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	eventQueue := events.New()
	snap := &Snapshot{
		ID:               uuid.NewString(),
		storage:          diffstorage.New(minimumSectors, eventQueue, observer),
		diffStoreDevices: make(map[string]interfaces.BlockDevice, len(diffStores)),
		events:           eventQueue,
		bufPool:          diffbuf.NewPool(bufferPoolCapacityBytes),
		io:               diffio.NewEngine(),
		chunkSize:        chunkSizeSectors,
		observer:         observer,
		refcount:         1,
	}
	for i, id := range diffStoreDeviceIDs {
		snap.diffStoreDevices[id] = diffStores[i]
	}

	for i, tr := range trackers {
		if tr == nil {
			snap.rollbackCreate()
			return nil, fmt.Errorf("snapshot: create: device %d: %w", i, errDeviceNotTrackable)
		}
		snap.members = append(snap.members, &member{
			tracker:  tr,
			freezer:  freezers[i],
			original: originals[i],
		})
		tr.Acquire()
	}

	return snap, nil
}

func (s *Snapshot) resolveDiffStore(deviceID string) (interfaces.BlockDevice, bool) {
	dev, ok := s.diffStoreDevices[deviceID]
	return dev, ok
}

func (s *Snapshot) rollbackCreate() {
	for _, m := range s.members {
		m.tracker.Release()
	}
	s.members = nil
}

// AppendStorage forwards user-contributed free extents to this Snapshot's
// shared Diff Storage, per spec.md §6 snapshot_append_storage.
func (s *Snapshot) AppendStorage(deviceID string, startSector, sectorCount int64) {
	s.storage.Append(deviceID, startSector, sectorCount)
}

// Take captures the snapshot across every member device, following
// snapshot_take's phase ordering exactly: build Diff Areas, freeze every
// device, switch every CBT generation and arm every Tracker while
// quiesced, thaw every device in reverse order, then publish Snapshot
// Images. Any failure rolls every already-armed Tracker back, releases the
// partially built Diff Areas, and leaves no Images published.
func (s *Snapshot) Take() error {
	if s.taken {
		return fmt.Errorf("snapshot: take %s: %w", s.ID, errAlreadyTaken)
	}

	// Phase 1: build a Diff Area per member using the shared Diff Storage.
	for _, m := range s.members {
		m.diffArea = diffarea.New(m.original, s.resolveDiffStore, s.storage, s.bufPool, s.io, s.events, s.observer, s.chunkSize)
	}

	// Phase 2: freeze every device (best-effort; thaw runs on every exit
	// path per spec.md §5).
	frozen := 0
	var freezeErr error
	for _, m := range s.members {
		if err := m.freezer.Freeze(); err != nil {
			freezeErr = err
			break
		}
		frozen++
	}
	if freezeErr != nil {
		s.thawReverse(frozen)
		s.releaseDiffAreas()
		return fmt.Errorf("snapshot: take %s: freeze: %w", s.ID, freezeErr)
	}

	// Phase 3: per tracker, quiesce (implicit: the device is already
	// frozen), switch the CBT generation, arm with the new Diff Area.
	armed := 0
	var switchErr error
	for _, m := range s.members {
		cbtReset := m.tracker.CBTMap().IsCorrupted()
		if cbtReset {
			m.tracker.CBTMap().Reset(0)
		} else if err := m.tracker.CBTMap().Switch(); err != nil {
			switchErr = err
			break
		}
		m.tracker.Arm(s.ID, m.diffArea)
		armed++
	}

	// Phase 4: thaw all devices in reverse order, regardless of outcome.
	s.thawReverse(len(s.members))

	if switchErr != nil {
		s.disarm(armed)
		s.releaseDiffAreas()
		return fmt.Errorf("snapshot: take %s: cbt switch: %w", s.ID, switchErr)
	}

	// Phase 5: publish a Snapshot Image per tracker.
	for _, m := range s.members {
		m.image = image.New(m.tracker.DeviceID(), m.diffArea, m.original.Size(), s.observer)
	}

	s.taken = true
	return nil
}

func (s *Snapshot) thawReverse(n int) {
	for i := n - 1; i >= 0; i-- {
		s.members[i].freezer.Thaw()
	}
}

func (s *Snapshot) disarm(n int) {
	for i := 0; i < n; i++ {
		s.members[i].tracker.Disarm()
	}
}

func (s *Snapshot) releaseDiffAreas() {
	for _, m := range s.members {
		m.diffArea = nil
	}
}

// WaitEvent dequeues the next Diff Storage/Diff Area condition, per
// spec.md §6 snapshot_wait_event.
func (s *Snapshot) WaitEvent(timeoutMs int) (events.Event, bool) {
	return s.events.Wait(msToDuration(timeoutMs))
}

// ImagePair is one (original_device_id, image_device_id) mapping returned
// by CollectImages.
type ImagePair struct {
	OriginalDeviceID string
	Image            *image.Image
}

// CollectImages returns the published Snapshot Image for every member
// device, per spec.md §6 snapshot_collect_images. Returns an empty slice
// (not an error) if Take has not run yet.
func (s *Snapshot) CollectImages() []ImagePair {
	var pairs []ImagePair
	for _, m := range s.members {
		if m.image == nil {
			continue
		}
		pairs = append(pairs, ImagePair{OriginalDeviceID: m.tracker.DeviceID(), Image: m.image})
	}
	return pairs
}

// Destroy freezes every device, disarms every Tracker, tears down every
// Image and Diff Area and drops its Tracker references, thawing afterward,
// per spec.md §4.7 Destroy and snapshot_free's ordering. The Diff Storage
// is not released here; it stays referenced by the Snapshot value.
func (s *Snapshot) Destroy() error {
	frozen := 0
	for _, m := range s.members {
		if err := m.freezer.Freeze(); err == nil {
			frozen++
		}
	}

	for _, m := range s.members {
		m.tracker.Disarm()
	}

	for _, m := range s.members {
		m.image = nil
		m.diffArea = nil
		m.tracker.Release()
	}

	s.thawReverse(frozen)
	s.taken = false
	return nil
}

// Acquire increments the Snapshot's refcount, for a second owner.
func (s *Snapshot) Acquire() {
	s.refcount++
}

// Release decrements the refcount and reports whether this was the last
// reference. The refcount is a plain int, not an atomic counter, so
// concurrent Acquire/Release calls are not safe; internal/control calls
// neither.
func (s *Snapshot) Release() (last bool) {
	s.refcount--
	return s.refcount <= 0
}

// IsCorrupted reports whether any member's Diff Area has been poisoned,
// surfaced on command returns in addition to the Event Queue per spec.md
// §7.
func (s *Snapshot) IsCorrupted() bool {
	for _, m := range s.members {
		if m.diffArea != nil && m.diffArea.IsCorrupted() {
			return true
		}
	}
	return false
}
