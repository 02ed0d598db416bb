// Package blksnap provides the main API for a block-level, copy-on-write
// snapshot engine (spec.md §1-§2): tracking writes to live block devices,
// maintaining a changed-block table, and capturing atomic, multi-device
// snapshots exposed as read-only images.
package blksnap

import (
	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/control"
	"github.com/arsaki/blksnap/internal/events"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/logging"
	"github.com/arsaki/blksnap/internal/tracker"
)

// EngineParams configures an Engine, following the same flat-options
// struct plus Default* constructor shape as the teacher's DeviceParams /
// DefaultParams (backend.go).
type EngineParams struct {
	// BufferPoolCapacityBytes bounds the Diff Buffer Pool's total leased
	// memory (spec.md §4.1) before nowait acquires start failing retryable.
	BufferPoolCapacityBytes int64

	// ChunkSizeSectors is the Diff Area's copy-on-write granularity
	// (spec.md §4.4).
	ChunkSizeSectors int64

	// DiffStorageMinimumSectors is the low-water mark below which Diff
	// Storage raises LowFreeSpace (spec.md §4.3).
	DiffStorageMinimumSectors int64

	// Logger receives structured log lines from every subsystem. Nil
	// disables logging.
	Logger *logging.Logger
}

// DefaultEngineParams returns sensible defaults for a new Engine.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		BufferPoolCapacityBytes:   constants.DefaultBufferPoolCapacityBytes,
		ChunkSizeSectors:          constants.DefaultChunkSizeSectors,
		DiffStorageMinimumSectors: constants.DefaultDiffStorageMinimumSectors,
		Logger:                    logging.Default(),
	}
}

// Engine is the top-level handle over the whole snapshot subsystem: the
// tracked-device registry, diff-store pool, and live snapshots, exposed as
// the spec.md §6 command surface. It wraps internal/control.Controller the
// way the teacher's Device wraps a ctrl.Controller plus queue runners,
// minus the kernel block-device registration spec.md §1 places out of
// scope.
type Engine struct {
	ctrl    *control.Controller
	metrics *Metrics
}

// NewEngine creates an Engine with the given parameters. A zero-value
// EngineParams is accepted; numeric fields left at zero fall back to
// DefaultEngineParams values, and a nil Logger disables logging.
func NewEngine(params EngineParams) *Engine {
	defaults := DefaultEngineParams()
	if params.ChunkSizeSectors <= 0 {
		params.ChunkSizeSectors = defaults.ChunkSizeSectors
	}
	if params.DiffStorageMinimumSectors <= 0 {
		params.DiffStorageMinimumSectors = defaults.DiffStorageMinimumSectors
	}

	var logger interfaces.Logger
	if params.Logger != nil {
		logger = params.Logger
	}

	m := NewMetrics()
	return &Engine{
		ctrl:    control.NewWithBufferPool(logger, params.DiffStorageMinimumSectors, params.ChunkSizeSectors, params.BufferPoolCapacityBytes, NewMetricsObserver(m)),
		metrics: m,
	}
}

// Metrics returns the Engine's operational counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// RegisterDiffStore makes a backing device available to satisfy Diff
// Storage extents named by device_id in AppendStorage/snapshot_append_storage.
func (e *Engine) RegisterDiffStore(deviceID string, dev interfaces.BlockDevice) {
	e.ctrl.RegisterDiffStore(deviceID, dev)
}

// TrackAdd attaches a write filter to dev under deviceID, per spec.md §6
// track_add.
func (e *Engine) TrackAdd(deviceID string, dev interfaces.BlockDevice, freezer tracker.Freezer) error {
	if err := e.ctrl.TrackAdd(deviceID, dev, freezer); err != nil {
		return WrapError("track_add", err)
	}
	return nil
}

// TrackRemove detaches the write filter from deviceID, per spec.md §6
// track_remove. Refused with KindBusy while the device is armed by a live
// snapshot.
func (e *Engine) TrackRemove(deviceID string) error {
	if err := e.ctrl.TrackRemove(deviceID); err != nil {
		if tracker.ErrBusy(err) {
			return NewDeviceError("track_remove", deviceID, KindBusy, "device is armed by a live snapshot")
		}
		return WrapError("track_remove", err)
	}
	return nil
}

// TrackedDeviceInfo is one track_collect row, per spec.md §6.
type TrackedDeviceInfo = control.TrackedDeviceInfo

// TrackCollect lists every tracked device's CBT summary, per spec.md §6
// track_collect.
func (e *Engine) TrackCollect(max int) ([]TrackedDeviceInfo, error) {
	infos, err := e.ctrl.TrackCollect(max)
	if err != nil {
		return nil, WrapError("track_collect", err)
	}
	return infos, nil
}

// CBTRead copies raw CBT bitmap bytes for deviceID into out, per spec.md
// §6 cbt_read.
func (e *Engine) CBTRead(deviceID string, offset, length int64, out []byte) (int, error) {
	n, err := e.ctrl.CBTRead(deviceID, offset, length, out)
	if err != nil {
		return 0, WrapError("cbt_read", err)
	}
	return n, nil
}

// CBTMarkDirty manually marks sector ranges dirty on deviceID's CBT Map,
// per spec.md §6 cbt_mark_dirty.
func (e *Engine) CBTMarkDirty(deviceID string, ranges [][2]int64) error {
	if err := e.ctrl.CBTMarkDirty(deviceID, ranges); err != nil {
		return WrapError("cbt_mark_dirty", err)
	}
	return nil
}

// SnapshotCreate allocates a Snapshot over deviceIDs, per spec.md §6
// snapshot_create.
func (e *Engine) SnapshotCreate(deviceIDs []string) (string, error) {
	id, err := e.ctrl.SnapshotCreate(deviceIDs)
	if err != nil {
		return "", WrapError("snapshot_create", err)
	}
	return id, nil
}

// SnapshotAppendStorage forwards a free extent to snapshotID's Diff
// Storage, per spec.md §6 snapshot_append_storage.
func (e *Engine) SnapshotAppendStorage(snapshotID, deviceID string, startSector, sectorCount int64) error {
	if err := e.ctrl.SnapshotAppendStorage(snapshotID, deviceID, startSector, sectorCount); err != nil {
		return WrapError("snapshot_append_storage", err)
	}
	return nil
}

// SnapshotTake performs the atomic capture, per spec.md §6 snapshot_take.
func (e *Engine) SnapshotTake(snapshotID string) error {
	if err := e.ctrl.SnapshotTake(snapshotID); err != nil {
		if control.ErrCorrupted(err) {
			return NewSnapshotError("snapshot_take", snapshotID, KindCorrupted, "diff area corrupted during take")
		}
		return WrapError("snapshot_take", err)
	}
	return nil
}

// SnapshotWaitEvent dequeues the next Diff Storage/Diff Area condition for
// snapshotID, per spec.md §6 snapshot_wait_event.
func (e *Engine) SnapshotWaitEvent(snapshotID string, timeoutMs int) (events.Event, error) {
	ev, err := e.ctrl.SnapshotWaitEvent(snapshotID, timeoutMs)
	if err != nil {
		if control.ErrTimeout(err) {
			return events.Event{}, NewSnapshotError("snapshot_wait_event", snapshotID, KindRetryable, "timed out waiting for an event")
		}
		return events.Event{}, WrapError("snapshot_wait_event", err)
	}
	return ev, nil
}

// ImagePair is one (original_device_id, image_device_id) mapping returned
// by SnapshotCollectImages.
type ImagePair = control.ImagePair

// SnapshotCollectImages returns the published image pairs for snapshotID,
// per spec.md §6 snapshot_collect_images.
func (e *Engine) SnapshotCollectImages(snapshotID string, max int) ([]ImagePair, error) {
	pairs, err := e.ctrl.SnapshotCollectImages(snapshotID, max)
	if err != nil {
		return nil, WrapError("snapshot_collect_images", err)
	}
	return pairs, nil
}

// Image returns the readable BlockDevice backing the published snapshot
// image for originalDeviceID within snapshotID.
func (e *Engine) Image(snapshotID, originalDeviceID string) (interfaces.BlockDevice, error) {
	img, ok, err := e.ctrl.Image(snapshotID, originalDeviceID)
	if err != nil {
		return nil, WrapError("image", err)
	}
	if !ok {
		return nil, NewDeviceError("image", originalDeviceID, KindNotFound, "no published image for this device")
	}
	return img, nil
}

// SnapshotDestroy tears a Snapshot down, per spec.md §6 snapshot_destroy.
func (e *Engine) SnapshotDestroy(snapshotID string) error {
	if err := e.ctrl.SnapshotDestroy(snapshotID); err != nil {
		return WrapError("snapshot_destroy", err)
	}
	return nil
}
