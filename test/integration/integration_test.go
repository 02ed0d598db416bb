// Package integration exercises full snapshot lifecycles against the
// engine's public API, the way the teacher's integration suite exercised a
// full ublk device lifecycle end to end rather than one package at a time.
package integration

import (
	"testing"

	"github.com/arsaki/blksnap"
	"github.com/arsaki/blksnap/internal/devicetest"
	"github.com/stretchr/testify/require"
)

type noopFreezer struct{}

func (noopFreezer) Freeze() error { return nil }
func (noopFreezer) Thaw() error   { return nil }

func TestMultiDeviceSnapshotLifecycle(t *testing.T) {
	e := blksnap.NewEngine(blksnap.EngineParams{})

	const deviceSize = 1 << 20
	devA := devicetest.NewMemory(deviceSize)
	devB := devicetest.NewMemory(deviceSize)
	diffStore := devicetest.NewMemory(4 << 20)

	preimageA := make([]byte, 4096)
	for i := range preimageA {
		preimageA[i] = 0xAA
	}
	preimageB := make([]byte, 4096)
	for i := range preimageB {
		preimageB[i] = 0xBB
	}
	_, err := devA.WriteAt(preimageA, 0)
	require.NoError(t, err)
	_, err = devB.WriteAt(preimageB, 0)
	require.NoError(t, err)

	require.NoError(t, e.TrackAdd("dev-a", devA, noopFreezer{}))
	require.NoError(t, e.TrackAdd("dev-b", devB, noopFreezer{}))
	e.RegisterDiffStore("diffstore-0", diffStore)

	snapID, err := e.SnapshotCreate([]string{"dev-a", "dev-b"})
	require.NoError(t, err)

	require.NoError(t, e.SnapshotAppendStorage(snapID, "diffstore-0", 0, diffStore.Size()/blksnap.SectorSize))
	require.NoError(t, e.SnapshotTake(snapID))

	// Overwrite both originals after the snapshot is live; the images must
	// keep returning the pre-snapshot content via copy-on-write.
	postA := make([]byte, 4096)
	postB := make([]byte, 4096)
	_, err = devA.WriteAt(postA, 0)
	require.NoError(t, err)
	_, err = devB.WriteAt(postB, 0)
	require.NoError(t, err)

	imgA, err := e.Image(snapID, "dev-a")
	require.NoError(t, err)
	readA := make([]byte, 4096)
	_, err = imgA.ReadAt(readA, 0)
	require.NoError(t, err)
	require.Equal(t, preimageA, readA)

	imgB, err := e.Image(snapID, "dev-b")
	require.NoError(t, err)
	readB := make([]byte, 4096)
	_, err = imgB.ReadAt(readB, 0)
	require.NoError(t, err)
	require.Equal(t, preimageB, readB)

	pairs, err := e.SnapshotCollectImages(snapID, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	infos, err := e.TrackCollect(0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		require.Equal(t, uint8(1), info.SnapNumber)
	}

	require.NoError(t, e.SnapshotDestroy(snapID))

	// Once destroyed, both devices are free to be removed.
	require.NoError(t, e.TrackRemove("dev-a"))
	require.NoError(t, e.TrackRemove("dev-b"))
}

func TestSnapshotCreateRefusesUntrackedDevice(t *testing.T) {
	e := blksnap.NewEngine(blksnap.EngineParams{})

	_, err := e.SnapshotCreate([]string{"unknown-device"})
	require.Error(t, err)
}

func TestCBTReadReflectsWritesAfterSnapshot(t *testing.T) {
	e := blksnap.NewEngine(blksnap.EngineParams{})

	dev := devicetest.NewMemory(1 << 20)
	diffStore := devicetest.NewMemory(1 << 20)
	require.NoError(t, e.TrackAdd("dev-0", dev, noopFreezer{}))
	e.RegisterDiffStore("diffstore-0", diffStore)

	snapID, err := e.SnapshotCreate([]string{"dev-0"})
	require.NoError(t, err)
	require.NoError(t, e.SnapshotAppendStorage(snapID, "diffstore-0", 0, diffStore.Size()/blksnap.SectorSize))
	require.NoError(t, e.SnapshotTake(snapID))

	_, err = dev.WriteAt(make([]byte, 4096), 0)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := e.CBTRead("dev-0", 0, int64(len(buf)), buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	require.NoError(t, e.SnapshotDestroy(snapID))
}
