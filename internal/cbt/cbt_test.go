package cbt

import (
	"testing"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/stretchr/testify/require"
)

func TestNewComputesBlockSize(t *testing.T) {
	m := New(1 << 20) // small device: block size floors at one page
	require.Equal(t, int64(constants.PageSize), m.BlockSize())
	require.Equal(t, uint8(1), mustActive(m))
}

func TestSetMarksBlocksWithActiveSnapNumber(t *testing.T) {
	m := New(1 << 20)
	m.Set(0, 8) // first 4096 bytes at 512B sectors

	buf := make([]byte, m.BlockCount())
	n, err := m.ReadToUser(0, int64(len(buf)), buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, byte(1), buf[0])
}

func TestSwitchAdvancesSnapNumbers(t *testing.T) {
	m := New(1 << 20)
	require.NoError(t, m.Switch())

	prev, active := m.SnapNumbers()
	require.Equal(t, uint8(1), prev)
	require.Equal(t, uint8(2), active)
	require.False(t, m.IsCorrupted())
}

func TestSwitchOverflowCorrupts(t *testing.T) {
	m := New(1 << 20)
	for i := 0; i < constants.MaxSnapNumber-1; i++ {
		require.NoError(t, m.Switch())
	}
	// snap_number_active is now at MaxSnapNumber; one more switch overflows.
	err := m.Switch()
	require.Error(t, err)
	require.True(t, ErrOverflow(err))
	require.True(t, m.IsCorrupted())
}

func TestResetRegeneratesGenerationID(t *testing.T) {
	m := New(1 << 20)
	before := m.GenerationID()
	m.Set(0, 8)
	require.NoError(t, m.Switch())

	m.Reset(0)
	after := m.GenerationID()
	require.NotEqual(t, before, after)

	prev, active := m.SnapNumbers()
	require.Equal(t, uint8(0), prev)
	require.Equal(t, uint8(1), active)
	require.False(t, m.IsCorrupted())

	buf := make([]byte, m.BlockCount())
	_, err := m.ReadToUser(0, int64(len(buf)), buf)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestReadToUserOutOfRange(t *testing.T) {
	m := New(1 << 20)
	buf := make([]byte, 16)
	_, err := m.ReadToUser(int64(m.BlockCount())+1, 1, buf)
	require.Error(t, err)
	require.True(t, ErrOutOfRange(err))
}

func mustActive(m *Map) uint8 {
	_, active := m.SnapNumbers()
	return active
}
