package zone

import (
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// LockCounter tracks outstanding interest in recovery journal blocks from
// every zone of every type. A journal block cannot be reaped while any
// count is nonzero. Counts may be adjusted from any zone; when the last
// count for a block reaches zero across all zone types, exactly one
// notification fires on the journal zone.
type LockCounter struct {
	journalZone *Zone
	notify      func()

	mu sync.Mutex
	// counts[type][zone][block]
	counts [][][]uint32
	// busyZones[type][block]: zones of this type with a nonzero count.
	busyZones [][]uint16
	// locked[block]: zone types with a nonzero busyZones entry.
	locked []uint16

	notifying bool
	// renotify records an unlock that arrived while a notification was
	// already in flight; the notifier loops once more to cover it.
	renotify bool
	// suspended discards notifications; set while the journal drains.
	suspended bool
}

// NewLockCounter creates a counter for a journal of blocks block slots.
// notify runs on journalZone each time some block becomes fully unlocked.
func NewLockCounter(journalZone *Zone, blocks int, logicalZones, physicalZones int, notify func()) *LockCounter {
	zonesPerType := []int{1, logicalZones, physicalZones}
	counts := make([][][]uint32, common.ZoneTypeCount)
	busy := make([][]uint16, common.ZoneTypeCount)
	for t := range counts {
		counts[t] = make([][]uint32, zonesPerType[t])
		for z := range counts[t] {
			counts[t][z] = make([]uint32, blocks)
		}
		busy[t] = make([]uint16, blocks)
	}
	return &LockCounter{
		journalZone: journalZone,
		notify:      notify,
		counts:      counts,
		busyZones:   busy,
		locked:      make([]uint16, blocks),
	}
}

// Acquire adds interest in the given journal block slot.
func (lc *LockCounter) Acquire(block int, zt common.ZoneType, zone int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	c := lc.counts[zt][zone]
	c[block]++
	if c[block] == 1 {
		lc.busyZones[zt][block]++
		if lc.busyZones[zt][block] == 1 {
			lc.locked[block]++
		}
	}
}

// Release drops interest in the given journal block slot. If the block
// becomes fully unlocked, a single notification is dispatched to the
// journal zone (unless one is already in flight, in which case the pending
// notification covers this release too).
func (lc *LockCounter) Release(block int, zt common.ZoneType, zone int) {
	lc.mu.Lock()
	c := lc.counts[zt][zone]
	if c[block] == 0 {
		lc.mu.Unlock()
		panic("journal block lock underflow")
	}
	c[block]--
	unlocked := false
	if c[block] == 0 {
		lc.busyZones[zt][block]--
		if lc.busyZones[zt][block] == 0 {
			lc.locked[block]--
			unlocked = lc.locked[block] == 0
		}
	}
	fire := false
	if unlocked && !lc.suspended {
		if lc.notifying {
			lc.renotify = true
		} else {
			lc.notifying = true
			fire = true
		}
	}
	lc.mu.Unlock()

	if fire {
		lc.journalZone.EnqueueHigh(lc.runNotification)
	}
}

func (lc *LockCounter) runNotification() {
	for {
		lc.notify()
		lc.mu.Lock()
		if !lc.renotify || lc.suspended {
			lc.notifying = false
			lc.renotify = false
			lc.mu.Unlock()
			return
		}
		lc.renotify = false
		lc.mu.Unlock()
	}
}

// IsLocked reports whether any zone of the given type holds the block.
func (lc *LockCounter) IsLocked(block int, zt common.ZoneType) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.busyZones[zt][block] > 0
}

// IsUnlocked reports whether no zone of any type holds the block.
func (lc *LockCounter) IsUnlocked(block int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.locked[block] == 0
}

// Notifying reports whether a notification is currently in flight. A
// suspend of the journal is not complete until this returns false; the
// notification runs on the journal zone, so once the journal zone observes
// false here no further reap can sneak in.
func (lc *LockCounter) Notifying() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.notifying
}

// Suspend stops further notifications. Releases are still counted; a
// subsequent Resume re-checks nothing, so the resumer must trigger a reap
// itself if it needs one.
func (lc *LockCounter) Suspend() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.suspended = true
}

// Resume re-enables notifications.
func (lc *LockCounter) Resume() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.suspended = false
}
