package zone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZoneRunsInOrder(t *testing.T) {
	z := New("test")
	defer z.Stop()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		z.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	z.Flush()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestZoneHighPriorityFirst(t *testing.T) {
	z := New("test")
	defer z.Stop()

	var got []string
	started := make(chan struct{})
	release := make(chan struct{})
	z.Enqueue(func() {
		close(started)
		<-release
	})
	<-started
	// Queue normal then high while the zone is busy; high must win.
	z.Enqueue(func() { got = append(got, "normal") })
	z.EnqueueHigh(func() { got = append(got, "high") })
	close(release)
	z.Flush()
	require.Equal(t, []string{"high", "normal"}, got)
}

func TestCompletionResolvesOnceOnZone(t *testing.T) {
	z := New("test")
	defer z.Stop()

	done := make(chan error, 1)
	c := NewCompletion(z, func(err error) { done <- err })
	c.Complete(nil)
	require.NoError(t, <-done)
	require.Panics(t, func() { c.Complete(nil) })
}

func TestWaiterCompletion(t *testing.T) {
	c, ch := NewWaiter()
	go c.Complete(nil)
	require.NoError(t, <-ch)
}
