package diffstorage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []int
}

func (f *fakeSink) Publish(code int, payload string) {
	f.events = append(f.events, code)
}

type fakeObserver struct {
	allocOps   int
	allocFails int
}

func (f *fakeObserver) ObserveCopy(uint64, uint64, bool)      {}
func (f *fakeObserver) ObserveCopyRetry()                     {}
func (f *fakeObserver) ObserveImageRead(uint64, uint64, bool) {}
func (f *fakeObserver) ObserveAlloc(success bool) {
	f.allocOps++
	if !success {
		f.allocFails++
	}
}
func (f *fakeObserver) ObserveCbtSet() {}

func TestAllocateFIFO(t *testing.T) {
	s := New(0, nil, nil)
	s.Append("dev-2", 0, 100)

	ext, ok := s.Allocate(40)
	require.True(t, ok)
	require.Equal(t, int64(0), ext.StartSector)
	require.Equal(t, int64(40), ext.SectorCount)

	ext2, ok := s.Allocate(40)
	require.True(t, ok)
	require.Equal(t, int64(40), ext2.StartSector)

	require.Equal(t, int64(20), s.FreeSectors())
}

func TestAllocateOutOfSpace(t *testing.T) {
	sink := &fakeSink{}
	s := New(0, sink, nil)
	s.Append("dev-2", 0, 10)

	_, ok := s.Allocate(20)
	require.False(t, ok)
	require.Contains(t, sink.events, int(EventOutOfFreeSpace))
}

func TestAllocateNeverReturnsConsumedRegion(t *testing.T) {
	s := New(0, nil, nil)
	s.Append("dev-2", 0, 100)

	first, ok := s.Allocate(50)
	require.True(t, ok)

	second, ok := s.Allocate(50)
	require.True(t, ok)

	require.NotEqual(t, first.StartSector, second.StartSector)
}

func TestLowSpaceEvent(t *testing.T) {
	sink := &fakeSink{}
	s := New(60, sink, nil)
	s.Append("dev-2", 0, 100)

	_, ok := s.Allocate(50)
	require.True(t, ok)
	require.Contains(t, sink.events, int(EventLowFreeSpace))
}

func TestMultiDeviceExtents(t *testing.T) {
	s := New(0, nil, nil)
	s.Append("dev-2", 0, 10)
	s.Append("dev-3", 0, 10)

	first, ok := s.Allocate(10)
	require.True(t, ok)
	require.Equal(t, "dev-2", first.DeviceID)

	second, ok := s.Allocate(10)
	require.True(t, ok)
	require.Equal(t, "dev-3", second.DeviceID)
}

func TestAllocateObservesSuccessAndFailure(t *testing.T) {
	observer := &fakeObserver{}
	s := New(0, nil, observer)
	s.Append("dev-2", 0, 10)

	_, ok := s.Allocate(10)
	require.True(t, ok)
	_, ok = s.Allocate(10)
	require.False(t, ok)

	require.Equal(t, 2, observer.allocOps)
	require.Equal(t, 1, observer.allocFails)
}
