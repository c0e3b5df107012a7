package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalPointOrder(t *testing.T) {
	a := JournalPoint{SequenceNumber: 4, EntryCount: 10}
	b := JournalPoint{SequenceNumber: 4, EntryCount: 11}
	c := JournalPoint{SequenceNumber: 5, EntryCount: 0}

	require.True(t, a.Before(b))
	require.True(t, b.Before(c))
	require.True(t, a.Before(c))
	require.False(t, b.Before(a))
	require.False(t, a.Before(a))
}

func TestJournalPointPackRoundTrip(t *testing.T) {
	points := []JournalPoint{
		{},
		{SequenceNumber: 1, EntryCount: 0},
		{SequenceNumber: 0x123456789ab, EntryCount: 310},
		{SequenceNumber: 1<<48 - 1, EntryCount: 0xffff},
	}
	for _, p := range points {
		require.Equal(t, p, UnpackJournalPoint(p.Pack()))
	}
}

func TestInCyclicRange(t *testing.T) {
	// No wrap.
	require.True(t, InCyclicRange(uint8(3), 5, 9, 256))
	require.False(t, InCyclicRange(uint8(3), 10, 9, 256))
	// Wrapping 255->0.
	require.True(t, InCyclicRange(uint8(250), 255, 4, 256))
	require.True(t, InCyclicRange(uint8(250), 2, 4, 256))
	require.False(t, InCyclicRange(uint8(250), 100, 4, 256))
	// Degenerate single-element range.
	require.True(t, InCyclicRange(uint8(7), 7, 7, 256))
}

func TestWaitQueueFIFO(t *testing.T) {
	var q WaitQueue[int]
	for i := range 5 {
		q.Enqueue(i)
	}
	require.Equal(t, 5, q.Len())
	require.Equal(t, 0, q.First())

	var got []int
	q.NotifyAll(func(v int) { got = append(got, v) })
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.False(t, q.HasWaiters())
}

func TestWaitQueueReenqueueDuringNotify(t *testing.T) {
	var q WaitQueue[int]
	q.Enqueue(1)
	q.Enqueue(2)

	// Callbacks that re-enqueue must not be re-notified in the same pass.
	var notified []int
	q.NotifyAll(func(v int) {
		notified = append(notified, v)
		q.Enqueue(v + 10)
	})
	require.Equal(t, []int{1, 2}, notified)
	require.Equal(t, 2, q.Len())
	v, ok := q.DequeueNext()
	require.True(t, ok)
	require.Equal(t, 11, v)
}

func TestWaitQueueTransfer(t *testing.T) {
	var a, b WaitQueue[string]
	a.Enqueue("x")
	b.Enqueue("y")
	b.Enqueue("z")
	b.TransferAll(&a)
	require.False(t, b.HasWaiters())
	require.Equal(t, 3, a.Len())
	v, _ := a.DequeueNext()
	require.Equal(t, "x", v)
}
