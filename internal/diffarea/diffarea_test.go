package diffarea

import (
	"sync"
	"testing"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/arsaki/blksnap/internal/devicetest"
	"github.com/arsaki/blksnap/internal/diffbuf"
	"github.com/arsaki/blksnap/internal/diffio"
	"github.com/arsaki/blksnap/internal/diffstorage"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/stretchr/testify/require"
)

const testChunkSectors = 8 // 4096 bytes at 512B sectors

// fakeSink records every PublishCorrupted call for test assertions, standing
// in for *events.Queue without importing it here.
type fakeSink struct {
	mu       sync.Mutex
	payloads []string
}

func (s *fakeSink) PublishCorrupted(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestArea(t *testing.T, capacity int64) (*Area, *devicetest.Memory, *devicetest.Memory) {
	t.Helper()
	original := devicetest.NewMemory(capacity)
	diffStore := devicetest.NewMemory(capacity * 2)
	storage := diffstorage.New(0, nil, nil)
	storage.Append("diffstore-0", 0, diffStore.Size()/constants.SectorSize)
	pool := diffbuf.NewPool(0)
	engine := diffio.NewEngine()
	resolver := func(deviceID string) (interfaces.BlockDevice, bool) {
		if deviceID == "diffstore-0" {
			return diffStore, true
		}
		return nil, false
	}
	return New(original, resolver, storage, pool, engine, nil, nil, testChunkSectors), original, diffStore
}

func TestCopyTransitionsUnchangedToCopied(t *testing.T) {
	area, original, _ := newTestArea(t, 1<<20)

	content := make([]byte, testChunkSectors*constants.SectorSize)
	for i := range content {
		content[i] = 0x42
	}
	_, err := original.WriteAt(content, 0)
	require.NoError(t, err)

	require.Equal(t, Ok, area.Copy(0, testChunkSectors, false))
	require.Equal(t, StateCopied, area.ChunkState(0))

	// Idempotent: a second Copy over an already-Copied chunk is a no-op Ok.
	require.Equal(t, Ok, area.Copy(0, testChunkSectors, false))
}

func TestReadServesOriginalThenDiffStore(t *testing.T) {
	area, original, _ := newTestArea(t, 1<<20)

	before := make([]byte, testChunkSectors*constants.SectorSize)
	for i := range before {
		before[i] = 0x11
	}
	_, err := original.WriteAt(before, 0)
	require.NoError(t, err)

	readBuf := make([]byte, testChunkSectors*constants.SectorSize)
	require.Equal(t, Ok, area.Read(0, testChunkSectors, readBuf))
	require.Equal(t, before, readBuf)

	require.Equal(t, Ok, area.Copy(0, testChunkSectors, false))

	// Original mutates after the CoW copy; Diff Area must still return the
	// pre-image from the diff store, not the mutated original.
	after := make([]byte, testChunkSectors*constants.SectorSize)
	for i := range after {
		after[i] = 0x99
	}
	_, err = original.WriteAt(after, 0)
	require.NoError(t, err)

	readBuf2 := make([]byte, testChunkSectors*constants.SectorSize)
	require.Equal(t, Ok, area.Read(0, testChunkSectors, readBuf2))
	require.Equal(t, before, readBuf2)
}

func TestCopyRaceExactlyOneWinner(t *testing.T) {
	area, _, _ := newTestArea(t, 1<<20)

	const racers = 16
	var wg sync.WaitGroup
	results := make([]ErrKind, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = area.Copy(0, testChunkSectors, false)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, Ok, r)
	}
	require.Equal(t, StateCopied, area.ChunkState(0))
	// Only the winner allocated a diff-store extent: exactly one chunk's
	// worth of the 2 MiB diff store is consumed.
	require.Equal(t, int64(2*(1<<20)/constants.SectorSize-testChunkSectors), area.storage.FreeSectors())
}

func TestCopyNowaitRetriesUnderContention(t *testing.T) {
	area, _, _ := newTestArea(t, 1<<20)

	area.chunks[0].mu.Lock()
	area.chunks[0].state = StateCopying
	area.chunks[0].mu.Unlock()

	require.Equal(t, Retry, area.Copy(0, testChunkSectors, true))
}

func TestMarkCorruptedFailsFurtherOps(t *testing.T) {
	area, _, _ := newTestArea(t, 1<<20)
	area.MarkCorrupted()

	require.True(t, area.IsCorrupted())
	require.Equal(t, Fail, area.Copy(0, testChunkSectors, false))
	require.Equal(t, Fail, area.Read(0, testChunkSectors, make([]byte, testChunkSectors*constants.SectorSize)))
}

func TestMarkCorruptedPublishesToSink(t *testing.T) {
	area, _, _ := newTestArea(t, 1<<20)
	sink := &fakeSink{}
	area.sink = sink

	area.MarkCorrupted()
	require.Equal(t, 1, sink.count())
}

func TestCopyOutOfSpaceMarksFailed(t *testing.T) {
	original := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	storage := diffstorage.New(0, nil, nil) // no Append: zero free space
	pool := diffbuf.NewPool(0)
	engine := diffio.NewEngine()
	resolver := func(deviceID string) (interfaces.BlockDevice, bool) {
		if deviceID == "diffstore-0" {
			return diffStore, true
		}
		return nil, false
	}
	sink := &fakeSink{}
	area := New(original, resolver, storage, pool, engine, sink, nil, testChunkSectors)

	require.Equal(t, Fail, area.Copy(0, testChunkSectors, false))
	require.True(t, area.IsCorrupted())
	require.Equal(t, StateFailed, area.ChunkState(0))
	require.Equal(t, 1, sink.count())
}
