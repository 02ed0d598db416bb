package tracker

import "errors"

// errBusy is returned by Detach while the Tracker is armed, mirroring
// tracker_remove's -EBUSY when a snapshot still holds the device.
var errBusy = errors.New("tracker: device is armed by a snapshot")

// ErrBusy reports whether err is the armed-device busy condition.
func ErrBusy(err error) bool {
	return errors.Is(err, errBusy)
}
