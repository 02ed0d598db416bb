// Package devicetest provides an in-memory block device standing in for a
// live source or diff-store device in unit tests.
package devicetest

import (
	"fmt"
	"sync"

	"github.com/arsaki/blksnap/internal/interfaces"
)

// ShardSize is the size of each memory shard (64KB). Sharded locking gives
// good parallelism for concurrent CoW copies and image reads while keeping
// lock overhead reasonable.
const ShardSize = 64 * 1024

// Memory is a RAM-backed block device.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a new memory-backed device of the given size in bytes.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements interfaces.BlockDevice.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements interfaces.BlockDevice.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size implements interfaces.BlockDevice.
func (m *Memory) Size() int64 { return m.size }

// Close implements interfaces.BlockDevice.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements interfaces.BlockDevice.
func (m *Memory) Flush() error { return nil }

var _ interfaces.BlockDevice = (*Memory)(nil)
