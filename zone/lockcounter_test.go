package zone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

func TestLockCounterSingleNotification(t *testing.T) {
	jz := New("journal")
	t.Cleanup(jz.Stop)

	var mu sync.Mutex
	notifications := 0
	lc := NewLockCounter(jz, 8, 2, 2, func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	lc.Acquire(3, common.ZoneTypeJournal, 0)
	lc.Acquire(3, common.ZoneTypeLogical, 0)
	lc.Acquire(3, common.ZoneTypeLogical, 1)
	lc.Acquire(3, common.ZoneTypePhysical, 1)
	require.True(t, lc.IsLocked(3, common.ZoneTypeLogical))
	require.False(t, lc.IsUnlocked(3))

	lc.Release(3, common.ZoneTypeLogical, 0)
	lc.Release(3, common.ZoneTypePhysical, 1)
	lc.Release(3, common.ZoneTypeJournal, 0)
	jz.Flush()
	mu.Lock()
	require.Equal(t, 0, notifications, "notified while still locked")
	mu.Unlock()

	lc.Release(3, common.ZoneTypeLogical, 1)
	jz.Flush()
	mu.Lock()
	require.Equal(t, 1, notifications)
	mu.Unlock()
	require.True(t, lc.IsUnlocked(3))
}

func TestLockCounterMultipleHoldsPerZone(t *testing.T) {
	jz := New("journal")
	t.Cleanup(jz.Stop)

	fired := 0
	lc := NewLockCounter(jz, 4, 1, 1, func() { fired++ })
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	lc.Release(0, common.ZoneTypeLogical, 0)
	jz.Flush()
	require.Equal(t, 0, fired)
	require.True(t, lc.IsLocked(0, common.ZoneTypeLogical))
	lc.Release(0, common.ZoneTypeLogical, 0)
	jz.Flush()
	require.Equal(t, 1, fired)
}

func TestLockCounterSuspendHoldsNotification(t *testing.T) {
	jz := New("journal")
	t.Cleanup(jz.Stop)

	fired := 0
	lc := NewLockCounter(jz, 4, 1, 1, func() { fired++ })
	lc.Acquire(1, common.ZoneTypeJournal, 0)
	lc.Suspend()
	lc.Release(1, common.ZoneTypeJournal, 0)
	jz.Flush()
	require.Equal(t, 0, fired)
	require.False(t, lc.Notifying())

	// Resume does not replay the lost notification; the journal re-reaps
	// on resume instead.
	lc.Resume()
	jz.Flush()
	require.Equal(t, 0, fired)
}

func TestLockCounterReleaseDuringNotification(t *testing.T) {
	jz := New("journal")
	t.Cleanup(jz.Stop)

	var lc *LockCounter
	var mu sync.Mutex
	fired := 0
	entered := make(chan struct{})
	proceed := make(chan struct{})
	first := true
	lc = NewLockCounter(jz, 4, 1, 1, func() {
		mu.Lock()
		fired++
		mu.Unlock()
		if first {
			first = false
			close(entered)
			<-proceed
		}
	})

	lc.Acquire(0, common.ZoneTypeJournal, 0)
	lc.Acquire(1, common.ZoneTypeJournal, 0)
	lc.Release(0, common.ZoneTypeJournal, 0)
	<-entered
	require.True(t, lc.Notifying())
	// Unlock another block while the notification is mid-flight; the
	// notifier must run again rather than lose it.
	lc.Release(1, common.ZoneTypeJournal, 0)
	close(proceed)
	jz.Flush()
	mu.Lock()
	require.Equal(t, 2, fired)
	mu.Unlock()
	require.False(t, lc.Notifying())
}
