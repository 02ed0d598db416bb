package main

import (
	"os"

	"github.com/arsaki/blksnap/internal/interfaces"
)

// fileDevice adapts an *os.File to interfaces.BlockDevice, standing in for
// a real block device when blksnapctl is pointed at a regular file.
type fileDevice struct {
	f    *os.File
	size int64
}

func openFileDevice(path string) (*fileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, size: info.Size()}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) Size() int64                              { return d.size }
func (d *fileDevice) Close() error                             { return d.f.Close() }
func (d *fileDevice) Flush() error                             { return d.f.Sync() }

var _ interfaces.BlockDevice = (*fileDevice)(nil)
