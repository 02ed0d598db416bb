// Package image implements the Snapshot Image (spec.md §3/§4.4): a
// read-only virtual device published per tracked device once a snapshot is
// taken. Every read is serviced by the Diff Area, which already knows
// whether a chunk is Copied (diff store) or Unchanged (original device) —
// the Image is a thin BlockDevice adapter over that.
//
// Grounded on original_source/module/snapshot.c's snapimage_create call
// site (one image per tracker, built directly from its diff_area and
// cbt_map) and interfaces.BlockDevice's read-only subset (teacher).
package image

import (
	"errors"
	"fmt"
	"time"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/diffarea"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/arsaki/blksnap/internal/metrics"
)

// ErrReadOnly is returned by WriteAt: a Snapshot Image never accepts
// writes.
var ErrReadOnly = errors.New("image: snapshot image is read-only")

// ErrFailed wraps a Diff Area read failure (the chunk's Diff Area has been
// marked corrupted).
var ErrFailed = errors.New("image: diff area read failed")

// Image is the read-only device published for one tracked device's
// captured state.
type Image struct {
	originalDeviceID string
	area             *diffarea.Area
	capacityBytes    int64
	observer         metrics.Observer
}

// New builds a Snapshot Image over area, representing the captured state
// of originalDeviceID at capacityBytes. observer records every ReadAt call
// (spec.md §4.4 read()); a nil observer disables recording.
func New(originalDeviceID string, area *diffarea.Area, capacityBytes int64, observer metrics.Observer) *Image {
	if observer == nil {
		observer = metrics.NoOpObserver{}
	}
	return &Image{originalDeviceID: originalDeviceID, area: area, capacityBytes: capacityBytes, observer: observer}
}

// OriginalDeviceID returns the device this image is a point-in-time view
// of.
func (img *Image) OriginalDeviceID() string { return img.originalDeviceID }

// ReadAt implements interfaces.BlockDevice, rounding the requested byte
// range out to whole sectors, with the start moved down to a page
// boundary (the Diff I/O Engine rejects reads whose start sector is not
// page-aligned), and copying only the bytes the caller asked for.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off >= img.capacityBytes {
		return 0, nil
	}
	start := time.Now()
	length := int64(len(p))
	if off+length > img.capacityBytes {
		length = img.capacityBytes - off
	}

	sectorsPerPage := int64(constants.PageSize / constants.SectorSize)
	sectorStart := off / constants.SectorSize / sectorsPerPage * sectorsPerPage
	byteStart := sectorStart * constants.SectorSize
	sectorEnd := (off + length + constants.SectorSize - 1) / constants.SectorSize
	sectorCount := sectorEnd - sectorStart

	buf := make([]byte, sectorCount*constants.SectorSize)
	if outcome := img.area.Read(sectorStart, sectorCount, buf); outcome != diffarea.Ok {
		img.observer.ObserveImageRead(0, uint64(time.Since(start)), false)
		return 0, fmt.Errorf("image: read device %s: %w", img.originalDeviceID, ErrFailed)
	}

	n := copy(p[:length], buf[off-byteStart:])
	img.observer.ObserveImageRead(uint64(n), uint64(time.Since(start)), true)
	return n, nil
}

// WriteAt always fails: a Snapshot Image is read-only.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

// Size returns the captured device's capacity in bytes.
func (img *Image) Size() int64 { return img.capacityBytes }

// Close is a no-op: the Image's lifetime is owned by the Snapshot, not by
// its readers.
func (img *Image) Close() error { return nil }

// Flush is a no-op: a read-only device has nothing to durably persist.
func (img *Image) Flush() error { return nil }

var _ interfaces.BlockDevice = (*Image)(nil)
