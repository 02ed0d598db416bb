package events

import (
	"strconv"
	"testing"
	"time"

	"github.com/arsaki/blksnap/internal/constants"
	"github.com/stretchr/testify/require"
)

func TestPublishAndWait(t *testing.T) {
	q := New()
	q.Publish(int(CodeLowFreeSpace), "below watermark")

	ev, ok := q.Wait(time.Second)
	require.True(t, ok)
	require.Equal(t, CodeLowFreeSpace, ev.Code)
	require.Equal(t, "below watermark", ev.Payload)
}

func TestWaitTimesOut(t *testing.T) {
	q := New()
	_, ok := q.Wait(10 * time.Millisecond)
	require.False(t, ok)
}

func TestPublishCorrupted(t *testing.T) {
	q := New()
	q.PublishCorrupted("diff area poisoned")

	ev, ok := q.Wait(time.Second)
	require.True(t, ok)
	require.Equal(t, CodeCorrupted, ev.Code)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	q := New()
	for i := 0; i < 1000; i++ {
		q.Publish(int(CodeLowFreeSpace), strconv.Itoa(i))
	}
	// Queue never blocks, regardless of capacity: this must return quickly.
	ev, ok := q.Wait(time.Second)
	require.True(t, ok)
	require.Equal(t, CodeLowFreeSpace, ev.Code)
	// Only the newest EventQueueCapacity events survive; the oldest left
	// is number 1000-EventQueueCapacity.
	require.Equal(t, strconv.Itoa(1000-constants.EventQueueCapacity), ev.Payload)
}
