// Package diffbuf implements the Diff Buffer Pool: page-aligned buffer
// leasing for copy-on-write I/O. It mirrors the teacher's size-bucketed
// sync.Pool scheme (internal/queue/pool.go) but backs each bucket with an
// anonymous mmap so buffers are page-aligned, the precondition the Diff I/O
// Engine validates before submitting a sub-request.
package diffbuf

import (
	"sync"
	"sync/atomic"

	"github.com/arsaki/blksnap/internal/constants"
	"golang.org/x/sys/unix"
)

// Bucket sizes, in bytes. A chunk is rarely more than a handful of pages,
// so buckets top out well below the teacher's queue buffers.
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

// Buffer is a leased, page-aligned region of memory. Callers must Release
// it back to the Pool it came from.
type Buffer struct {
	Bytes []byte
	pool  *Pool
}

// Pool leases fixed-size, page-aligned buffers to the Diff I/O Engine.
// Acquire/Release follow the teacher's GetBuffer/PutBuffer contract,
// extended with a byte budget so acquire(nowait=true) can fail retryable
// instead of blocking, per spec.md §4.1.
type Pool struct {
	capacityBytes int64
	leasedBytes   atomic.Int64

	cond *sync.Cond // guards nothing but the wake-on-release signal

	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}

// NewPool creates a Diff Buffer Pool bounded by capacityBytes of
// outstanding leases. A non-positive capacity falls back to the engine
// default.
func NewPool(capacityBytes int64) *Pool {
	if capacityBytes <= 0 {
		capacityBytes = constants.DefaultBufferPoolCapacityBytes
	}
	p := &Pool{capacityBytes: capacityBytes, cond: sync.NewCond(&sync.Mutex{})}
	p.pool4k = sync.Pool{New: func() any { return newMmapBuffer(size4k) }}
	p.pool16k = sync.Pool{New: func() any { return newMmapBuffer(size16k) }}
	p.pool64k = sync.Pool{New: func() any { return newMmapBuffer(size64k) }}
	p.pool1m = sync.Pool{New: func() any { return newMmapBuffer(size1m) }}
	return p
}

func newMmapBuffer(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		// mmap failures here mean we've exhausted address space or a
		// per-process map count; fall back to a plain heap allocation
		// rather than panicking the caller's CoW hot path.
		return make([]byte, size)
	}
	return b
}

func bucketFor(sizeBytes int) int {
	switch {
	case sizeBytes <= size4k:
		return size4k
	case sizeBytes <= size16k:
		return size16k
	case sizeBytes <= size64k:
		return size64k
	default:
		return size1m
	}
}

// Acquire leases a buffer covering at least sectorCount*constants.SectorSize
// bytes. When nowait is true and the pool is at capacity, it returns a
// *blksnapError-free retryable signal via ok=false rather than blocking.
func (p *Pool) Acquire(sectorCount int, nowait bool) (*Buffer, bool) {
	need := int64(sectorCount) * constants.SectorSize
	bucketSize := bucketFor(int(need))

	for {
		cur := p.leasedBytes.Load()
		next := cur + int64(bucketSize)
		if next > p.capacityBytes {
			if nowait {
				return nil, false
			}
			// Blocking path: wait for a Release to signal headroom.
			// Acceptable here because callers on this path (sync Diff
			// I/O, non-nowait copy) are already suspension points per
			// spec.md §5.
			p.cond.L.Lock()
			p.cond.Wait()
			p.cond.L.Unlock()
			continue
		}
		if p.leasedBytes.CompareAndSwap(cur, next) {
			break
		}
	}

	var raw []byte
	switch bucketSize {
	case size4k:
		raw = p.pool4k.Get().([]byte)
	case size16k:
		raw = p.pool16k.Get().([]byte)
	case size64k:
		raw = p.pool64k.Get().([]byte)
	default:
		raw = p.pool1m.Get().([]byte)
	}

	return &Buffer{Bytes: raw[:need], pool: p}, true
}

// Release returns the buffer to its bucket pool and refunds its byte
// budget. It is safe to call at most once per Buffer.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	full := b.Bytes[:cap(b.Bytes)]
	bucketSize := len(full)
	p.leasedBytes.Add(-int64(bucketSize))

	switch bucketSize {
	case size4k:
		p.pool4k.Put(full)
	case size16k:
		p.pool16k.Put(full)
	case size64k:
		p.pool64k.Put(full)
	case size1m:
		p.pool1m.Put(full)
	}
	p.cond.Broadcast()
}

// LeasedBytes reports current outstanding lease total, for tests and
// observability.
func (p *Pool) LeasedBytes() int64 {
	return p.leasedBytes.Load()
}
