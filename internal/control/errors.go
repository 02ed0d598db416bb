package control

import "errors"

var (
	errDeviceNotFound     = errors.New("control: device not found")
	errNotTracked         = errors.New("control: device not tracked")
	errNoBufferSpace      = errors.New("control: no buffer space")
	errNotSnapshotted     = errors.New("control: device not snapshotted")
	errOutOfRange         = errors.New("control: offset out of range")
	errDeviceNotTrackable = errors.New("control: device not trackable")
	errNoSnapshot         = errors.New("control: no such snapshot")
	errCorrupted          = errors.New("control: snapshot corrupted")
	errTimeout            = errors.New("control: wait timed out")
)

// ErrDeviceNotFound reports whether err is, or wraps, the device-not-found
// condition from TrackAdd.
func ErrDeviceNotFound(err error) bool { return errors.Is(err, errDeviceNotFound) }

// ErrNotTracked reports whether err is, or wraps, the not-tracked
// condition from TrackRemove, CBTRead, or CBTMarkDirty.
func ErrNotTracked(err error) bool { return errors.Is(err, errNotTracked) }

// ErrNoBufferSpace reports whether err is, or wraps, the no-buffer-space
// condition from TrackCollect or SnapshotCollectImages.
func ErrNoBufferSpace(err error) bool { return errors.Is(err, errNoBufferSpace) }

// ErrNotSnapshotted reports whether err is, or wraps, the not-snapshotted
// condition from CBTRead.
func ErrNotSnapshotted(err error) bool { return errors.Is(err, errNotSnapshotted) }

// ErrOutOfRange reports whether err is, or wraps, the out-of-range
// condition from CBTRead.
func ErrOutOfRange(err error) bool { return errors.Is(err, errOutOfRange) }

// ErrDeviceNotTrackable reports whether err is, or wraps, the
// device-not-trackable condition from SnapshotCreate.
func ErrDeviceNotTrackable(err error) bool { return errors.Is(err, errDeviceNotTrackable) }

// ErrNoSnapshot reports whether err is, or wraps, the no-snapshot
// condition from any snapshot_* command given an unknown id.
func ErrNoSnapshot(err error) bool { return errors.Is(err, errNoSnapshot) }

// ErrCorrupted reports whether err is, or wraps, the corrupted condition
// from SnapshotTake.
func ErrCorrupted(err error) bool { return errors.Is(err, errCorrupted) }

// ErrTimeout reports whether err is, or wraps, the timeout condition from
// SnapshotWaitEvent.
func ErrTimeout(err error) bool { return errors.Is(err, errTimeout) }
