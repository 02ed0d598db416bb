package snapshot

import (
	"errors"
	"time"
)

var (
	errNoDevices          = errors.New("snapshot: no devices given")
	errMismatchedDevices  = errors.New("snapshot: tracker/freezer/device slices must be the same length")
	errDeviceNotTrackable = errors.New("snapshot: device is not trackable")
	errAlreadyTaken       = errors.New("snapshot: already taken")
)

// ErrNoDevices reports whether err is the empty-device-set condition.
func ErrNoDevices(err error) bool { return errors.Is(err, errNoDevices) }

// ErrDeviceNotTrackable reports whether err is the device-not-trackable
// condition named in spec.md §6 snapshot_create.
func ErrDeviceNotTrackable(err error) bool { return errors.Is(err, errDeviceNotTrackable) }

// ErrAlreadyTaken reports whether err is the double-Take condition.
func ErrAlreadyTaken(err error) bool { return errors.Is(err, errAlreadyTaken) }

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
