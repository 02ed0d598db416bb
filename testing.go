package blksnap

import (
	"sync"

	"github.com/arsaki/blksnap/internal/interfaces"
)

// MockDevice is a mock implementation of interfaces.BlockDevice for unit
// tests that need to observe call counts or inject a closed/failed device,
// which devicetest.Memory (a plain RAM backend) doesn't track.
type MockDevice struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockDevice creates a mock device of the given size in bytes.
func NewMockDevice(size int64) *MockDevice {
	return &MockDevice{data: make([]byte, size), size: size}
}

// ReadAt implements interfaces.BlockDevice.
func (m *MockDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, NewError("mock_read", KindNotFound, "device closed")
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements interfaces.BlockDevice.
func (m *MockDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, NewError("mock_write", KindNotFound, "device closed")
	}
	if off >= m.size {
		return 0, NewError("mock_write", KindInvalid, "offset beyond device size")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements interfaces.BlockDevice.
func (m *MockDevice) Size() int64 { return m.size }

// Close implements interfaces.BlockDevice.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Flush implements interfaces.BlockDevice.
func (m *MockDevice) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockDevice) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called, for
// assertions in tests exercising retry/backpressure paths.
func (m *MockDevice) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset clears all call counters.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
}

var _ interfaces.BlockDevice = (*MockDevice)(nil)
