// Package control implements the in-process command dispatcher for
// spec.md §6's external interface table: track_add, track_remove,
// track_collect, cbt_read, cbt_mark_dirty, snapshot_create,
// snapshot_append_storage, snapshot_take, snapshot_wait_event,
// snapshot_collect_images, snapshot_destroy.
//
// Grounded on internal/ctrl/control.go's Controller (one method per
// command, a logger threaded through every call) for the dispatcher
// shape. Unlike the teacher's Controller, there is no ioctl codec here:
// spec.md places the user-space control library and its wire format out
// of scope, so each command is a direct Go method call over the engine's
// in-process registry.
package control

import (
	"fmt"
	"sync"

	"github.com/arsaki/blksnap/internal/cbt"
	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/events"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/metrics"
	"github.com/arsaki/blksnap/internal/snapshot"
	"github.com/arsaki/blksnap/internal/tracker"
)

// trackedDevice binds a registered source device to the Tracker watching
// it and the Freezer used to quiesce it around Attach/Detach and Take.
type trackedDevice struct {
	device  interfaces.BlockDevice
	freezer tracker.Freezer
	tracker *tracker.Tracker
}

// TrackedDeviceInfo is one track_collect row, per spec.md §6.
type TrackedDeviceInfo struct {
	DeviceID     string
	Capacity     int64
	BlockSize    int64
	BlockCount   int64
	SnapNumber   uint8
	GenerationID string
}

// ImagePair is one snapshot_collect_images row.
type ImagePair struct {
	OriginalDeviceID string
	ImageDeviceID    string
}

// Controller is the engine's command surface: a registry of tracked
// devices, diff-store devices available for Diff Storage extents, and
// live Snapshots, all guarded by a single lock. spec.md §5 only demands
// the write hot path (Tracker.Submit) stay lock-free; the control plane
// here is free to take a coarse lock like the teacher's Controller does
// around its ioctl submissions.
type Controller struct {
	mu sync.Mutex

	logger interfaces.Logger

	devices    map[string]*trackedDevice
	diffStores map[string]interfaces.BlockDevice
	snapshots  map[string]*snapshot.Snapshot

	minimumDiffStorageSectors int64
	chunkSizeSectors          int64
	bufferPoolCapacityBytes   int64
	observer                  metrics.Observer
}

// New creates an empty Controller. minimumDiffStorageSectors and
// chunkSizeSectors configure every Snapshot's Diff Storage low-water mark
// and Diff Area granularity; bufferPoolCapacityBytes bounds every
// Snapshot's Diff Buffer Pool. Pass <= 0 for any of them to use the
// package defaults.
func New(logger interfaces.Logger, minimumDiffStorageSectors, chunkSizeSectors int64) *Controller {
	return NewWithBufferPool(logger, minimumDiffStorageSectors, chunkSizeSectors, 0, nil)
}

// NewWithBufferPool is New with an explicit Diff Buffer Pool capacity and
// metrics observer. observer records CBT sets, Diff Area copies, Diff
// Storage allocations, and Snapshot Image reads across every tracked
// device and Snapshot this Controller creates; a nil observer disables
// recording.
func NewWithBufferPool(logger interfaces.Logger, minimumDiffStorageSectors, chunkSizeSectors, bufferPoolCapacityBytes int64, observer metrics.Observer) *Controller {
	if minimumDiffStorageSectors <= 0 {
		minimumDiffStorageSectors = constants.DefaultDiffStorageMinimumSectors
	}
	if chunkSizeSectors <= 0 {
		chunkSizeSectors = constants.DefaultChunkSizeSectors
	}
	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	return &Controller{
		logger:                    logger,
		devices:                   make(map[string]*trackedDevice),
		diffStores:                make(map[string]interfaces.BlockDevice),
		snapshots:                 make(map[string]*snapshot.Snapshot),
		minimumDiffStorageSectors: minimumDiffStorageSectors,
		chunkSizeSectors:          chunkSizeSectors,
		bufferPoolCapacityBytes:   bufferPoolCapacityBytes,
		observer:                  observer,
	}
}

// RegisterDiffStore makes a backing device available to satisfy Diff
// Storage extents named by device_id in snapshot_append_storage. It is
// not itself trackable; callers register original source devices
// separately via TrackAdd.
func (c *Controller) RegisterDiffStore(deviceID string, dev interfaces.BlockDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffStores[deviceID] = dev
}

// TrackAdd attaches a Tracker to dev, per spec.md §6 track_add. Tracker
// creation freezes the device, attaches the filter, and thaws it per
// spec.md §4.6.
func (c *Controller) TrackAdd(deviceID string, dev interfaces.BlockDevice, freezer tracker.Freezer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dev == nil {
		return fmt.Errorf("control: track_add %s: %w", deviceID, errDeviceNotFound)
	}
	if _, exists := c.devices[deviceID]; exists {
		return nil
	}

	capacitySectors := dev.Size() / constants.SectorSize
	tr := tracker.New(deviceID, cbt.New(capacitySectors), c.logger, c.observer)
	if err := tr.Attach(freezer); err != nil {
		return fmt.Errorf("control: track_add %s: %w", deviceID, err)
	}

	c.devices[deviceID] = &trackedDevice{device: dev, freezer: freezer, tracker: tr}
	return nil
}

// TrackRemove detaches the Tracker bound to deviceID, per spec.md §6
// track_remove. Refused with Busy while the device is armed by a live
// Snapshot.
func (c *Controller) TrackRemove(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	td, ok := c.devices[deviceID]
	if !ok {
		return fmt.Errorf("control: track_remove %s: %w", deviceID, errNotTracked)
	}
	if err := td.tracker.Detach(td.freezer); err != nil {
		return fmt.Errorf("control: track_remove %s: %w", deviceID, err)
	}
	delete(c.devices, deviceID)
	return nil
}

// TrackCollect lists every tracked device's CBT summary, per spec.md §6
// track_collect. Returns no-buffer-space if max is smaller than the
// number of tracked devices.
func (c *Controller) TrackCollect(max int) ([]TrackedDeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max > 0 && len(c.devices) > max {
		return nil, fmt.Errorf("control: track_collect: %w", errNoBufferSpace)
	}

	out := make([]TrackedDeviceInfo, 0, len(c.devices))
	for deviceID, td := range c.devices {
		previous, _ := td.tracker.CBTMap().SnapNumbers()
		out = append(out, TrackedDeviceInfo{
			DeviceID:     deviceID,
			Capacity:     td.device.Size(),
			BlockSize:    td.tracker.CBTMap().BlockSize(),
			BlockCount:   td.tracker.CBTMap().BlockCount(),
			SnapNumber:   previous,
			GenerationID: td.tracker.CBTMap().GenerationID(),
		})
	}
	return out, nil
}

// CBTRead copies raw CBT bitmap bytes for deviceID, per spec.md §6
// cbt_read. Returns not-snapshotted if the device's CBT Map has never
// gone through a switch() (i.e. no snapshot has ever been taken of it),
// since the bitmap carries no meaningful generation before that.
func (c *Controller) CBTRead(deviceID string, offset, length int64, out []byte) (int, error) {
	c.mu.Lock()
	td, ok := c.devices[deviceID]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("control: cbt_read %s: %w", deviceID, errNotTracked)
	}

	previous, _ := td.tracker.CBTMap().SnapNumbers()
	if previous == 0 {
		return 0, fmt.Errorf("control: cbt_read %s: %w", deviceID, errNotSnapshotted)
	}

	n, err := td.tracker.CBTMap().ReadToUser(offset, length, out)
	if err != nil {
		return 0, fmt.Errorf("control: cbt_read %s: %w", deviceID, errOutOfRange)
	}
	return n, nil
}

// CBTMarkDirty manually marks sector ranges dirty on deviceID's CBT Map,
// per spec.md §6 cbt_mark_dirty.
func (c *Controller) CBTMarkDirty(deviceID string, ranges [][2]int64) error {
	c.mu.Lock()
	td, ok := c.devices[deviceID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("control: cbt_mark_dirty %s: %w", deviceID, errNotTracked)
	}
	td.tracker.CBTMap().MarkDirty(ranges)
	return nil
}

// SnapshotCreate allocates a Snapshot over deviceIDs, per spec.md §6
// snapshot_create. Every device must already be tracked; devices not yet
// tracked fail the whole call with device-not-trackable and nothing is
// registered.
func (c *Controller) SnapshotCreate(deviceIDs []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(deviceIDs) == 0 {
		return "", fmt.Errorf("control: snapshot_create: %w", errDeviceNotTrackable)
	}

	trackers := make([]*tracker.Tracker, 0, len(deviceIDs))
	freezers := make([]tracker.Freezer, 0, len(deviceIDs))
	originals := make([]interfaces.BlockDevice, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		td, ok := c.devices[deviceID]
		if !ok {
			return "", fmt.Errorf("control: snapshot_create: device %s: %w", deviceID, errDeviceNotTrackable)
		}
		trackers = append(trackers, td.tracker)
		freezers = append(freezers, td.freezer)
		originals = append(originals, td.device)
	}

	diffStoreIDs := make([]string, 0, len(c.diffStores))
	diffStores := make([]interfaces.BlockDevice, 0, len(c.diffStores))
	for id, dev := range c.diffStores {
		diffStoreIDs = append(diffStoreIDs, id)
		diffStores = append(diffStores, dev)
	}

	snap, err := snapshot.Create(trackers, freezers, originals, diffStoreIDs, diffStores, c.minimumDiffStorageSectors, c.chunkSizeSectors, c.bufferPoolCapacityBytes, c.observer)
	if err != nil {
		return "", fmt.Errorf("control: snapshot_create: %w", err)
	}

	c.snapshots[snap.ID] = snap
	return snap.ID, nil
}

// SnapshotAppendStorage forwards a free extent to snapshotID's Diff
// Storage, per spec.md §6 snapshot_append_storage.
func (c *Controller) SnapshotAppendStorage(snapshotID, deviceID string, startSector, sectorCount int64) error {
	snap, err := c.lookupSnapshot(snapshotID)
	if err != nil {
		return fmt.Errorf("control: snapshot_append_storage %s: %w", snapshotID, err)
	}
	snap.AppendStorage(deviceID, startSector, sectorCount)
	return nil
}

// SnapshotTake performs the atomic capture, per spec.md §6 snapshot_take.
func (c *Controller) SnapshotTake(snapshotID string) error {
	snap, err := c.lookupSnapshot(snapshotID)
	if err != nil {
		return fmt.Errorf("control: snapshot_take %s: %w", snapshotID, err)
	}
	if err := snap.Take(); err != nil {
		return fmt.Errorf("control: snapshot_take %s: %w", snapshotID, err)
	}
	if snap.IsCorrupted() {
		return fmt.Errorf("control: snapshot_take %s: %w", snapshotID, errCorrupted)
	}
	return nil
}

// SnapshotWaitEvent dequeues the next Diff Storage/Diff Area condition for
// snapshotID, per spec.md §6 snapshot_wait_event.
func (c *Controller) SnapshotWaitEvent(snapshotID string, timeoutMs int) (events.Event, error) {
	snap, err := c.lookupSnapshot(snapshotID)
	if err != nil {
		return events.Event{}, fmt.Errorf("control: snapshot_wait_event %s: %w", snapshotID, err)
	}
	ev, ok := snap.WaitEvent(timeoutMs)
	if !ok {
		return events.Event{}, fmt.Errorf("control: snapshot_wait_event %s: %w", snapshotID, errTimeout)
	}
	return ev, nil
}

// SnapshotCollectImages returns the published image pairs for
// snapshotID, per spec.md §6 snapshot_collect_images. Returns
// no-buffer-space if max is smaller than the number of published images.
func (c *Controller) SnapshotCollectImages(snapshotID string, max int) ([]ImagePair, error) {
	snap, err := c.lookupSnapshot(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("control: snapshot_collect_images %s: %w", snapshotID, err)
	}

	pairs := snap.CollectImages()
	if max > 0 && len(pairs) > max {
		return nil, fmt.Errorf("control: snapshot_collect_images %s: %w", snapshotID, errNoBufferSpace)
	}

	out := make([]ImagePair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, ImagePair{OriginalDeviceID: p.OriginalDeviceID, ImageDeviceID: snapshotID + ":" + p.OriginalDeviceID})
	}
	return out, nil
}

// Image returns the published Snapshot Image BlockDevice for
// originalDeviceID within snapshotID, so callers can actually read from
// the image collect_images only names. Returns no-snapshot if snapshotID
// is unknown, or ok=false if that device has no published image yet.
func (c *Controller) Image(snapshotID, originalDeviceID string) (interfaces.BlockDevice, bool, error) {
	snap, err := c.lookupSnapshot(snapshotID)
	if err != nil {
		return nil, false, fmt.Errorf("control: image %s: %w", snapshotID, err)
	}
	for _, p := range snap.CollectImages() {
		if p.OriginalDeviceID == originalDeviceID {
			return p.Image, true, nil
		}
	}
	return nil, false, nil
}

// SnapshotDestroy tears a Snapshot down, per spec.md §6 snapshot_destroy.
func (c *Controller) SnapshotDestroy(snapshotID string) error {
	c.mu.Lock()
	snap, ok := c.snapshots[snapshotID]
	if ok {
		delete(c.snapshots, snapshotID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("control: snapshot_destroy %s: %w", snapshotID, errNoSnapshot)
	}
	return snap.Destroy()
}

func (c *Controller) lookupSnapshot(snapshotID string) (*snapshot.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[snapshotID]
	if !ok {
		return nil, errNoSnapshot
	}
	return snap, nil
}
