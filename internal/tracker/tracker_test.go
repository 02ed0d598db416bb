package tracker

import (
	"errors"
	"testing"

	"github.com/arsaki/blksnap/internal/cbt"
	"github.com/arsaki/blksnap/internal/devicetest"
	"github.com/arsaki/blksnap/internal/diffbuf"
	"github.com/arsaki/blksnap/internal/diffio"
	"github.com/arsaki/blksnap/internal/diffstorage"
	"github.com/arsaki/blksnap/internal/interfaces"
	"github.com/stretchr/testify/require"

	"github.com/arsaki/blksnap/internal/diffarea"
)

var errFreezeFailed = errors.New("tracker_test: freeze failed")

func resolveDiffStore0(diffStore interfaces.BlockDevice) diffarea.DiffStoreResolver {
	return func(deviceID string) (interfaces.BlockDevice, bool) {
		if deviceID == "diffstore-0" {
			return diffStore, true
		}
		return nil, false
	}
}

type fakeFreezer struct {
	freezeCalls int
	thawCalls   int
	failFreeze  bool
}

func (f *fakeFreezer) Freeze() error {
	f.freezeCalls++
	if f.failFreeze {
		return errFreezeFailed
	}
	return nil
}

func (f *fakeFreezer) Thaw() error {
	f.thawCalls++
	return nil
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return New("dev-0", cbt.New(2048), nil, nil)
}

func TestSubmitPassesThroughWhenDisarmed(t *testing.T) {
	tr := newTestTracker(t)
	require.Equal(t, Pass, tr.Submit(0, 8, false))

	_, active := tr.CBTMap().SnapNumbers()
	require.Equal(t, uint8(1), active)
}

func TestSubmitPassesThroughWhenArmedAndCopyOk(t *testing.T) {
	tr := newTestTracker(t)

	original := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	storage := diffstorage.New(0, nil, nil)
	storage.Append("diffstore-0", 0, diffStore.Size()/512)
	area := diffarea.New(original, resolveDiffStore0(diffStore), storage, diffbuf.NewPool(0), diffio.NewEngine(), nil, nil, 8)

	tr.Arm("snap-1", area)
	require.True(t, tr.IsArmed())

	require.Equal(t, Pass, tr.Submit(0, 8, false))
	require.Equal(t, diffarea.StateCopied, area.ChunkState(0))
}

func TestSubmitPassesThroughOnAlreadyCopiedChunk(t *testing.T) {
	tr := newTestTracker(t)

	original := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	storage := diffstorage.New(0, nil, nil)
	storage.Append("diffstore-0", 0, diffStore.Size()/512)
	area := diffarea.New(original, resolveDiffStore0(diffStore), storage, diffbuf.NewPool(0), diffio.NewEngine(), nil, nil, 8)
	tr.Arm("snap-1", area)

	require.Equal(t, Pass, tr.Submit(0, 8, false))
	// A second, nowait write to the same already-Copied chunk must still
	// pass through without retrying: Retry is only for a chunk mid-copy.
	require.Equal(t, Pass, tr.Submit(0, 8, true))
}

func TestDetachRefusedWhileArmed(t *testing.T) {
	tr := newTestTracker(t)
	original := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	storage := diffstorage.New(0, nil, nil)
	area := diffarea.New(original, resolveDiffStore0(diffStore), storage, diffbuf.NewPool(0), diffio.NewEngine(), nil, nil, 8)
	tr.Arm("snap-1", area)

	f := &fakeFreezer{}
	err := tr.Detach(f)
	require.Error(t, err)
	require.True(t, ErrBusy(err))
	require.Equal(t, 0, f.freezeCalls)
}

func TestAttachDetachFreezesAndThaws(t *testing.T) {
	tr := newTestTracker(t)
	f := &fakeFreezer{}

	require.NoError(t, tr.Attach(f))
	require.Equal(t, 1, f.freezeCalls)
	require.Equal(t, 1, f.thawCalls)

	require.NoError(t, tr.Detach(f))
	require.Equal(t, 2, f.freezeCalls)
	require.Equal(t, 2, f.thawCalls)
}

func TestReleaseReportsLastDrop(t *testing.T) {
	tr := newTestTracker(t)
	tr.Acquire()
	require.False(t, tr.Release())
	require.True(t, tr.Release())
}
