// Package tracker implements the Tracker (spec.md §4.6): the per-device
// write-filter hook that feeds every write to the CBT Map and, while armed,
// to the Diff Area's copy-on-write path ahead of letting the write through.
//
// Grounded on original_source/module/tracker.c's tracker_submit_bio_cb
// (the filter callback body), tracker_filter (freeze/attach/thaw around
// filter add/del), and tracker_remove (busy refusal while armed).
package tracker

import (
	"sync/atomic"

	"github.com/arsaki/blksnap/internal/cbt"
	"github.com/arsaki/blksnap/internal/diffarea"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/metrics"
)

// Outcome mirrors the kernel filter's FLT_ST_PASS / FLT_ST_COMPLETE return
// values: Pass lets the write proceed untouched, Complete means the
// Tracker has already completed the bio itself (the nowait retry signal)
// and the caller must not submit it further without expecting a resubmit.
type Outcome int

const (
	Pass Outcome = iota
	Complete
)

// Freezer quiesces and resumes a device's I/O around filter attach/detach
// and around a CBT generation switch, matching tracker_filter's
// freeze_bdev/thaw_bdev wrapping.
type Freezer interface {
	Freeze() error
	Thaw() error
}

// Tracker is the write filter bound to one device. It is safe for
// concurrent use: Submit is the hot path and must never block or allocate
// beyond what diffarea.Area.Copy itself requires.
type Tracker struct {
	deviceID string
	cbtMap   *cbt.Map
	logger   interfaces.Logger
	observer metrics.Observer

	diffArea   atomic.Pointer[diffarea.Area]
	snapshotID atomic.Pointer[string]
	isArmed    atomic.Bool
	refcount   atomic.Int64
}

// New creates a disarmed Tracker for deviceID, with its own CBT Map.
// observer records every cbt_map.Set call on the write hot path (spec.md
// §4.5); a nil observer disables recording.
func New(deviceID string, cbtMap *cbt.Map, logger interfaces.Logger, observer metrics.Observer) *Tracker {
	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	t := &Tracker{deviceID: deviceID, cbtMap: cbtMap, logger: logger, observer: observer}
	t.refcount.Store(1)
	return t
}

// DeviceID returns the device this Tracker is bound to.
func (t *Tracker) DeviceID() string { return t.deviceID }

// CBTMap returns the Tracker's CBT Map.
func (t *Tracker) CBTMap() *cbt.Map { return t.cbtMap }

// Attach freezes the device, would attach the filter (a no-op here since
// this Tracker IS the filter; callers register it with their own I/O
// front end), and thaws, mirroring tracker_filter(filter_cmd_add).
func (t *Tracker) Attach(freezer Freezer) error {
	if err := freezer.Freeze(); err != nil {
		return err
	}
	defer freezer.Thaw()
	t.refcount.Add(1)
	return nil
}

// Detach is the inverse of Attach, refused while the Tracker is armed,
// exactly as tracker_remove checks is_busy_with_snapshot before calling
// tracker_filter(filter_cmd_del).
func (t *Tracker) Detach(freezer Freezer) error {
	if t.isArmed.Load() {
		return errBusy
	}
	if err := freezer.Freeze(); err != nil {
		return err
	}
	defer freezer.Thaw()
	t.refcount.Add(-1)
	return nil
}

// Arm attaches a Diff Area and marks the Tracker busy-with-snapshot. Called
// under the device's quiesced queue during Snapshot.Take, per spec.md §4.7
// phase 3.
func (t *Tracker) Arm(snapshotID string, area *diffarea.Area) {
	t.diffArea.Store(area)
	id := snapshotID
	t.snapshotID.Store(&id)
	t.isArmed.Store(true)
}

// Disarm clears the Diff Area binding and marks the Tracker idle again,
// the inverse of Arm, used by both normal Snapshot.Destroy and capture
// rollback.
func (t *Tracker) Disarm() {
	t.isArmed.Store(false)
	t.diffArea.Store(nil)
	t.snapshotID.Store(nil)
}

// IsArmed reports whether a snapshot currently owns this Tracker's writes.
func (t *Tracker) IsArmed() bool {
	return t.isArmed.Load()
}

// SnapshotID returns the snapshot currently armed against this Tracker, if
// any.
func (t *Tracker) SnapshotID() (string, bool) {
	p := t.snapshotID.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Submit runs the write-filter algorithm for one bio, per spec.md §4.6:
//  1. cbt_map.Set always runs first; CBT failures never block the bio (the
//     CBT Map here cannot fail synchronously, so this step is infallible).
//  2. if not armed, Pass.
//  3. diff_area.Copy(nowait) — Ok passes the write through; Retry means the
//     caller must treat this as "would block" and resubmit without nowait;
//     Fail logs and still passes the write through (the Diff Area is now
//     corrupted and that surfaces via the Event Queue, not by blocking
//     writes to the original device).
//
// Reads never reach Submit: the original device services them directly,
// matching tracker_submit_bio_cb's early return for !op_is_write.
func (t *Tracker) Submit(sector, count int64, nowait bool) Outcome {
	t.cbtMap.Set(sector, count)
	t.observer.ObserveCbtSet()

	if !t.isArmed.Load() {
		return Pass
	}
	area := t.diffArea.Load()
	if area == nil {
		return Pass
	}

	switch area.Copy(sector, count, nowait) {
	case diffarea.Ok:
		return Pass
	case diffarea.Retry:
		return Complete
	default: // diffarea.Fail
		if t.logger != nil {
			t.logger.Printf("tracker %s: copy to diff storage failed, diff area corrupted", t.deviceID)
		}
		return Pass
	}
}

// Acquire increments the Tracker's refcount for a new owner (e.g. a second
// Snapshot referencing the same device).
func (t *Tracker) Acquire() {
	t.refcount.Add(1)
}

// Release decrements the refcount and reports whether this was the last
// reference, per spec.md §5's "refcounts atomic, last-drop destroys".
func (t *Tracker) Release() (last bool) {
	return t.refcount.Add(-1) == 0
}
