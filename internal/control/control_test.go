package control

import (
	"testing"

	"github.com/arsaki/blksnap/internal/devicetest"
	"github.com/arsaki/blksnap/internal/tracker"
	"github.com/stretchr/testify/require"
)

type noopFreezer struct{}

func (noopFreezer) Freeze() error { return nil }
func (noopFreezer) Thaw() error   { return nil }

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(nil, 0, 8)
}

func TestTrackAddRequiresKnownDevice(t *testing.T) {
	c := newTestController(t)
	err := c.TrackAdd("dev-0", nil, noopFreezer{})
	require.Error(t, err)
	require.True(t, ErrDeviceNotFound(err))
}

func TestTrackRemoveRefusedWhileArmed(t *testing.T) {
	c := newTestController(t)
	dev := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	require.NoError(t, c.TrackAdd("dev-0", dev, noopFreezer{}))
	c.RegisterDiffStore("diffstore-0", diffStore)

	snapID, err := c.SnapshotCreate([]string{"dev-0"})
	require.NoError(t, err)
	require.NoError(t, c.SnapshotAppendStorage(snapID, "diffstore-0", 0, diffStore.Size()/512))
	require.NoError(t, c.SnapshotTake(snapID))

	err = c.TrackRemove("dev-0")
	require.Error(t, err)
	require.True(t, tracker.ErrBusy(err))

	require.NoError(t, c.SnapshotDestroy(snapID))
	require.NoError(t, c.TrackRemove("dev-0"))
}

func TestTrackCollectReportsSnapNumber(t *testing.T) {
	c := newTestController(t)
	dev := devicetest.NewMemory(1 << 20)
	require.NoError(t, c.TrackAdd("dev-0", dev, noopFreezer{}))

	infos, err := c.TrackCollect(0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "dev-0", infos[0].DeviceID)
	require.Equal(t, uint8(1), infos[0].SnapNumber)
}

func TestTrackCollectNoBufferSpace(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.TrackAdd("dev-0", devicetest.NewMemory(1<<20), noopFreezer{}))
	require.NoError(t, c.TrackAdd("dev-1", devicetest.NewMemory(1<<20), noopFreezer{}))

	_, err := c.TrackCollect(1)
	require.Error(t, err)
	require.True(t, ErrNoBufferSpace(err))
}

func TestCBTReadNotSnapshottedBeforeTake(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.TrackAdd("dev-0", devicetest.NewMemory(1<<20), noopFreezer{}))

	_, err := c.CBTRead("dev-0", 0, 64, make([]byte, 64))
	require.Error(t, err)
	require.True(t, ErrNotSnapshotted(err))
}

func TestFullLifecycleCreateTakeReadDestroy(t *testing.T) {
	c := newTestController(t)
	original := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	require.NoError(t, c.TrackAdd("dev-0", original, noopFreezer{}))
	c.RegisterDiffStore("diffstore-0", diffStore)

	content := make([]byte, 4096)
	for i := range content {
		content[i] = 0xAA
	}
	_, err := original.WriteAt(content, 0)
	require.NoError(t, err)

	snapID, err := c.SnapshotCreate([]string{"dev-0"})
	require.NoError(t, err)

	require.NoError(t, c.SnapshotAppendStorage(snapID, "diffstore-0", 0, diffStore.Size()/512))
	require.NoError(t, c.SnapshotTake(snapID))

	overwrite := make([]byte, 4096)
	for i := range overwrite {
		overwrite[i] = 0xBB
	}
	_, err = original.WriteAt(overwrite, 0)
	require.NoError(t, err)

	img, ok, err := c.Image(snapID, "dev-0")
	require.NoError(t, err)
	require.True(t, ok)

	readBuf := make([]byte, 4096)
	_, err = img.ReadAt(readBuf, 0)
	require.NoError(t, err)
	require.Equal(t, content, readBuf)

	cbtBuf := make([]byte, 64)
	n, err := c.CBTRead("dev-0", 0, 64, cbtBuf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	pairs, err := c.SnapshotCollectImages(snapID, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "dev-0", pairs[0].OriginalDeviceID)

	require.NoError(t, c.SnapshotDestroy(snapID))
	_, err = c.SnapshotWaitEvent(snapID, 10)
	require.Error(t, err)
	require.True(t, ErrNoSnapshot(err))
}

func TestSnapshotCreateRejectsUntrackedDevice(t *testing.T) {
	c := newTestController(t)
	_, err := c.SnapshotCreate([]string{"dev-missing"})
	require.Error(t, err)
	require.True(t, ErrDeviceNotTrackable(err))
}
