package cbt

import "errors"

// Sentinel errors kept local to avoid an import cycle with the root
// blksnap package; callers translate these into structured *blksnap.Error
// values at the internal/tracker or internal/control boundary.
var (
	errOverflow   = errors.New("cbt: snap_number_active overflow")
	errOutOfRange = errors.New("cbt: offset out of range")
)

// ErrOverflow reports whether err is the CBT snap-number overflow
// condition (spec.md §4.5 corruption-on-overflow).
func ErrOverflow(err error) bool {
	return errors.Is(err, errOverflow)
}

// ErrOutOfRange reports whether err is the ReadToUser out-of-range
// condition.
func ErrOutOfRange(err error) bool {
	return errors.Is(err, errOutOfRange)
}
