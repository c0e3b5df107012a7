// Package journal implements the recovery journal: the system-wide
// write-ahead log of block map and reference count changes. Every mapping
// mutation becomes a journal entry before any other metadata reflects it;
// after a crash the journal is scanned and its entries replayed into the
// slab depot and block map.
//
// The journal runs on its own zone. Entries accumulate in an in-memory
// tail block which is committed when full, when the journal is otherwise
// idle, or when a drain forces it out. Committed blocks stay locked until
// the block map pages and slab journals that depend on them have made the
// entries durable elsewhere; only then does the head advance and the
// on-disk slot recycle.
package journal

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// Config fixes the journal's location and identity.
type Config struct {
	Origin        common.PBN
	Size          common.BlockCount
	Nonce         common.Nonce
	RecoveryCount uint8

	LogicalZones  int
	PhysicalZones int

	// TailBuffers bounds the in-memory blocks that may be accumulating or
	// writing at once. Zero means the default.
	TailBuffers int
}

const defaultTailBuffers = 4

// Entry is a request to journal one reference count adjustment.
type Entry struct {
	Operation format.Operation
	PagePBN   common.PBN
	Slot      uint16
	Mapping   format.DataLocation

	// PhysicalZone is the zone which will make the matching slab journal
	// entry; the journal holds a physical-zone lock on the entry's block
	// until that zone releases it.
	PhysicalZone int
}

// EntryCallback hears the outcome of an AddEntry. It runs on the journal
// zone once the entry's block is durably written, with the entry's
// assigned journal point; callers re-enqueue to their own zones.
type EntryCallback func(common.JournalPoint, error)

type pendingEntry struct {
	entry Entry
	done  EntryCallback
	point common.JournalPoint
}

// RecoveryJournal is the write-ahead log. All fields are owned by the
// journal zone except the atomics.
type RecoveryJournal struct {
	cfg      Config
	zone     *zone.Zone
	layer    storage.Layer
	locks    *zone.LockCounter
	state    *admin.State
	notifier *admin.ReadOnlyNotifier

	// tail is the sequence number the next opened block will get.
	tail common.SequenceNumber
	// atomicTail mirrors tail for cross-zone readers (era advancement).
	atomicTail atomic.Uint64

	// Reap heads. A head never passes a block still locked by its zone
	// type, nor an uncommitted block.
	blockMapHead    common.SequenceNumber
	slabJournalHead common.SequenceNumber
	head            common.SequenceNumber

	active  *tailBlock
	free    []*tailBlock
	writing int

	decrementWaiters common.WaitQueue[*pendingEntry]
	incrementWaiters common.WaitQueue[*pendingEntry]
	// reservedDecrements counts journaled increments whose freeing
	// decrement has not yet arrived; space is held back for them so a
	// decrement is never blocked.
	reservedDecrements common.BlockCount

	logicalBlocksUsed  uint64
	blockMapDataBlocks uint64
}

// NewRecoveryJournal creates a journal over its partition of layer,
// running on z. The journal starts quiescent; Open or a load operation
// brings it to normal operation.
func NewRecoveryJournal(cfg Config, layer storage.Layer, z *zone.Zone, notifier *admin.ReadOnlyNotifier) *RecoveryJournal {
	if cfg.TailBuffers == 0 {
		cfg.TailBuffers = defaultTailBuffers
	}
	if cfg.LogicalZones == 0 {
		cfg.LogicalZones = 1
	}
	if cfg.PhysicalZones == 0 {
		cfg.PhysicalZones = 1
	}
	j := &RecoveryJournal{
		cfg:      cfg,
		zone:     z,
		layer:    layer,
		notifier: notifier,
		state:    admin.NewState(admin.CodeNew),
	}
	j.locks = zone.NewLockCounter(z, int(cfg.Size), cfg.LogicalZones, cfg.PhysicalZones, j.reap)
	for i := 0; i < cfg.TailBuffers; i++ {
		j.free = append(j.free, newTailBlock())
	}
	return j
}

// Open brings the journal to normal operation, resuming from a scanned or
// freshly formatted state.
func (j *RecoveryJournal) Open(state format.RecoveryJournalState) error {
	if err := j.state.StartOperation(admin.CodeLoading); err != nil {
		return err
	}
	start := common.SequenceNumber(state.JournalStart)
	if start == 0 {
		start = 1
	}
	j.tail = start
	j.head = start
	j.blockMapHead = start
	j.slabJournalHead = start
	j.atomicTail.Store(uint64(start))
	j.logicalBlocksUsed = state.LogicalBlocksUsed
	j.blockMapDataBlocks = state.BlockMapDataBlocks
	j.state.Finish(nil)
	return nil
}

// Zone returns the journal's owning zone.
func (j *RecoveryJournal) Zone() *zone.Zone { return j.zone }

// ActiveSequenceNumber returns the current tail sequence number. Safe from
// any zone; the block map reads it to advance its era.
func (j *RecoveryJournal) ActiveSequenceNumber() common.SequenceNumber {
	return common.SequenceNumber(j.atomicTail.Load())
}

// RecordState captures the durable state for a clean save. Only valid once
// the journal is quiescent.
func (j *RecoveryJournal) RecordState() format.RecoveryJournalState {
	return format.RecoveryJournalState{
		JournalStart:       uint64(j.tail),
		LogicalBlocksUsed:  j.logicalBlocksUsed,
		BlockMapDataBlocks: j.blockMapDataBlocks,
	}
}

// AcquireLock adds interest in the journal block holding seq, preventing
// its reap. Sequence zero means "no journal dependency" and is a no-op.
func (j *RecoveryJournal) AcquireLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int) {
	if seq == 0 {
		return
	}
	j.locks.Acquire(int(uint64(seq)%uint64(j.cfg.Size)), zt, zoneIdx)
}

// ReleaseLock drops interest acquired with AcquireLock. The release may
// trigger a reap on the journal zone.
func (j *RecoveryJournal) ReleaseLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int) {
	if seq == 0 {
		return
	}
	j.locks.Release(int(uint64(seq)%uint64(j.cfg.Size)), zt, zoneIdx)
}

// AddEntry appends an entry to the journal. done runs on the journal zone
// after the entry's block is durably written, or immediately with an error
// if the journal cannot accept entries.
func (j *RecoveryJournal) AddEntry(e Entry, done EntryCallback) {
	j.zone.Enqueue(func() { j.addEntry(&pendingEntry{entry: e, done: done}) })
}

func (j *RecoveryJournal) addEntry(p *pendingEntry) {
	if j.notifier.IsReadOnly() {
		p.done(common.JournalPoint{}, j.notifier.Cause())
		return
	}
	if !j.state.IsNormal() {
		p.done(common.JournalPoint{}, fmt.Errorf("%w: recovery journal is %s",
			common.ErrInvalidAdminState, j.state.Code()))
		return
	}
	// Increments wait their turn behind the space reserved for the
	// decrements that will free it; decrements wait only when the ring
	// itself is exhausted.
	if p.entry.Operation.IsIncrement() {
		if j.incrementWaiters.HasWaiters() || !j.hasSpaceForIncrement() {
			j.incrementWaiters.Enqueue(p)
			return
		}
	} else if j.active == nil && !j.canOpenBlock() {
		j.decrementWaiters.Enqueue(p)
		return
	}
	j.assign(p)
}

// hasSpaceForIncrement reports whether an increment can be admitted while
// still leaving room for every reserved decrement plus this entry's own.
func (j *RecoveryJournal) hasSpaceForIncrement() bool {
	return j.freeEntrySlots() >= j.reservedDecrements+2
}

func (j *RecoveryJournal) freeEntrySlots() common.BlockCount {
	used := common.BlockCount(j.tail - j.head)
	var free common.BlockCount
	if used < j.cfg.Size {
		free = (j.cfg.Size - used) * format.RecoveryEntriesPerBlock
	}
	if j.active != nil {
		// The open block is counted used above; add back what is left in it.
		free += common.BlockCount(format.RecoveryEntriesPerBlock - len(j.active.entries))
	}
	return free
}

// canOpenBlock reports whether a new tail block may start: the ring slot
// must be reaped and an in-memory buffer must be free.
func (j *RecoveryJournal) canOpenBlock() bool {
	return common.BlockCount(j.tail-j.head) < j.cfg.Size && len(j.free) > 0
}

func (j *RecoveryJournal) assign(p *pendingEntry) {
	if j.active == nil {
		if !j.canOpenBlock() {
			if p.entry.Operation.IsIncrement() {
				j.incrementWaiters.Enqueue(p)
			} else {
				j.decrementWaiters.Enqueue(p)
			}
			return
		}
		j.openBlock()
	}
	b := j.active
	p.point = common.JournalPoint{
		SequenceNumber: b.sequence,
		EntryCount:     uint16(len(b.entries)),
	}
	b.entries = append(b.entries, format.RecoveryEntry{
		Operation: p.entry.Operation,
		PagePBN:   p.entry.PagePBN,
		Slot:      p.entry.Slot,
		Mapping:   p.entry.Mapping,
	})
	b.waiters.Enqueue(p)

	// The slab journal entry for this point is made by the physical zone
	// once the commit callback runs; hold its lock until then.
	j.locks.Acquire(j.slot(b.sequence), common.ZoneTypePhysical, p.entry.PhysicalZone)

	switch p.entry.Operation {
	case format.DataIncrement:
		j.logicalBlocksUsed++
		j.reservedDecrements++
	case format.DataDecrement:
		j.logicalBlocksUsed--
		if j.reservedDecrements > 0 {
			j.reservedDecrements--
		}
	case format.BlockMapIncrement:
		j.blockMapDataBlocks++
		j.reservedDecrements++
	}

	if len(b.entries) == format.RecoveryEntriesPerBlock || j.writing == 0 {
		j.commitBlock()
	}
}

func (j *RecoveryJournal) slot(seq common.SequenceNumber) int {
	return int(uint64(seq) % uint64(j.cfg.Size))
}

func (j *RecoveryJournal) openBlock() {
	b := j.free[len(j.free)-1]
	j.free = j.free[:len(j.free)-1]
	b.reset(j.tail)
	j.active = b
	// The journal's own lock keeps every head off an uncommitted block.
	j.locks.Acquire(j.slot(b.sequence), common.ZoneTypeJournal, 0)
	j.tail++
	j.atomicTail.Store(uint64(j.tail))
}

// commitBlock writes out the active block and closes it; later entries
// open the next sequence number.
func (j *RecoveryJournal) commitBlock() {
	b := j.active
	j.active = nil
	b.header = format.RecoveryBlockHeader{
		BlockMapHead:       uint64(j.blockMapHead),
		SlabJournalHead:    uint64(j.slabJournalHead),
		SequenceNumber:     uint64(b.sequence),
		Nonce:              uint64(j.cfg.Nonce),
		MetadataType:       uint8(format.MetadataRecoveryJournal),
		EntryCount:         uint16(len(b.entries)),
		LogicalBlocksUsed:  j.logicalBlocksUsed,
		BlockMapDataBlocks: j.blockMapDataBlocks,
		CheckByte:          format.ComputeCheckByte(b.sequence, j.cfg.Size),
		RecoveryCount:      j.cfg.RecoveryCount,
	}
	b.encode()
	j.writing++
	j.layer.Submit(&storage.Request{
		PBN:    j.cfg.Origin + common.PBN(j.slot(b.sequence)),
		Buffer: b.buf,
		Op:     storage.OpWrite,
		Flush:  true,
		Done:   zone.NewCompletion(j.zone, func(err error) { j.writeDone(b, err) }),
	})
}

func (j *RecoveryJournal) writeDone(b *tailBlock, err error) {
	j.writing--
	if err != nil {
		log.Printf("recovery journal: write of block %d failed: %v", b.sequence, err)
		j.enterReadOnly(err)
	}
	if j.notifier.IsReadOnly() {
		cause := j.notifier.Cause()
		b.waiters.NotifyAll(func(p *pendingEntry) {
			j.locks.Release(j.slot(b.sequence), common.ZoneTypePhysical, p.entry.PhysicalZone)
			p.done(common.JournalPoint{}, cause)
		})
	} else {
		b.waiters.NotifyAll(func(p *pendingEntry) {
			p.done(p.point, nil)
		})
	}
	j.locks.Release(j.slot(b.sequence), common.ZoneTypeJournal, 0)
	j.free = append(j.free, b)
	j.serviceWaiters()
	j.checkDrainComplete()
}

// serviceWaiters admits queued entries as space allows, decrements first.
func (j *RecoveryJournal) serviceWaiters() {
	if !j.state.IsNormal() {
		return
	}
	for j.decrementWaiters.HasWaiters() {
		if j.active == nil && !j.canOpenBlock() {
			return
		}
		p, _ := j.decrementWaiters.DequeueNext()
		j.assign(p)
	}
	for j.incrementWaiters.HasWaiters() && j.hasSpaceForIncrement() {
		if j.active == nil && !j.canOpenBlock() {
			return
		}
		p, _ := j.incrementWaiters.DequeueNext()
		j.assign(p)
	}
}

// reap advances the heads over blocks nothing depends on any more. Runs on
// the journal zone after every lock release; idempotent when nothing can
// move.
func (j *RecoveryJournal) reap() {
	advance := func(head *common.SequenceNumber, zt common.ZoneType) bool {
		moved := false
		for *head < j.tail {
			slot := j.slot(*head)
			if j.locks.IsLocked(slot, common.ZoneTypeJournal) || j.locks.IsLocked(slot, zt) {
				break
			}
			*head++
			moved = true
		}
		return moved
	}
	movedBM := advance(&j.blockMapHead, common.ZoneTypeLogical)
	movedSJ := advance(&j.slabJournalHead, common.ZoneTypePhysical)
	if !movedBM && !movedSJ {
		return
	}
	j.head = min(j.blockMapHead, j.slabJournalHead)
	j.serviceWaiters()
	j.checkDrainComplete()
}

func (j *RecoveryJournal) enterReadOnly(cause error) {
	j.notifier.EnterReadOnly(cause)
	failed := j.notifier.Cause()
	if j.active != nil {
		b := j.active
		j.active = nil
		b.waiters.NotifyAll(func(p *pendingEntry) {
			j.locks.Release(j.slot(b.sequence), common.ZoneTypePhysical, p.entry.PhysicalZone)
			p.done(common.JournalPoint{}, failed)
		})
		j.locks.Release(j.slot(b.sequence), common.ZoneTypeJournal, 0)
		j.free = append(j.free, b)
	}
	j.decrementWaiters.NotifyAll(func(p *pendingEntry) {
		p.done(common.JournalPoint{}, failed)
	})
	j.incrementWaiters.NotifyAll(func(p *pendingEntry) {
		p.done(common.JournalPoint{}, failed)
	})
}

// Drain begins a suspend or save. done runs once every in-flight journal
// write has completed and the tail block is out (or discarded, if the
// system is read-only). New entries are rejected for the duration.
func (j *RecoveryJournal) Drain(op *admin.Code, done func(error)) {
	j.zone.Enqueue(func() {
		if j.state.StartDraining(op, done) != nil {
			return
		}
		j.locks.Suspend()
		j.checkDrainComplete()
	})
}

func (j *RecoveryJournal) checkDrainComplete() {
	if !j.state.IsDraining() {
		return
	}
	if j.active != nil && len(j.active.entries) > 0 {
		if j.notifier.IsReadOnly() {
			// Quiescing must complete without further durable writes.
			j.enterReadOnly(j.notifier.Cause())
		} else {
			j.commitBlock()
			return
		}
	}
	if j.writing > 0 {
		return
	}
	if j.locks.Notifying() {
		// An intercepted notification is still in flight on this zone;
		// check again after it runs.
		j.zone.Enqueue(j.checkDrainComplete)
		return
	}
	if j.active != nil {
		j.locks.Release(j.slot(j.active.sequence), common.ZoneTypeJournal, 0)
		j.free = append(j.free, j.active)
		j.active = nil
	}
	j.state.Finish(nil)
}

// Resume returns a drained journal to normal operation.
func (j *RecoveryJournal) Resume(done func(error)) {
	j.zone.Enqueue(func() {
		if j.state.StartDraining(admin.CodeResuming, done) != nil {
			return
		}
		j.locks.Resume()
		j.state.Finish(nil)
		j.reap()
		j.serviceWaiters()
	})
}
