package depot

import (
	"fmt"
	"log"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// SlabJournal is one slab's private journal of reference count
// adjustments. Entries are applied to the in-memory counts as they are
// added; the journal block makes them durable, and the block is reaped
// only after the refcount blocks it dirtied have been written.
//
// The journal applies back-pressure at blockingThreshold and proactively
// commits at flushingThreshold so reaping keeps up with filling.
type SlabJournal struct {
	slab *Slab

	size               common.BlockCount
	flushingThreshold  common.BlockCount
	blockingThreshold  common.BlockCount
	scrubbingThreshold common.BlockCount

	head common.SequenceNumber
	// committed is the oldest sequence number not yet durable; blocks in
	// [head, committed) may be reaped once their refcount locks clear.
	committed common.SequenceNumber
	// tail is the sequence number of the accumulating block.
	tail common.SequenceNumber

	entries               []format.SlabJournalEntry
	hasBlockMapIncrements bool
	// recoveryPoint is the highest recovery journal point reflected in
	// the accumulating block.
	recoveryPoint common.JournalPoint
	// recoveryReleases lists the recovery journal locks to drop once the
	// accumulating block commits.
	recoveryReleases []common.SequenceNumber

	// refLocks counts applied-but-unwritten refcount updates per journal
	// slot; a block with nonzero refLocks cannot be reaped.
	refLocks []int

	writing      bool
	commitAgain  bool
	entryWaiters common.WaitQueue[*slabJournalRequest]
	drainDone    func(error)
}

type slabJournalRequest struct {
	sbn           common.SlabBlockNumber
	op            format.Operation
	recoveryPoint common.JournalPoint
	// replay relaxes the refcount rules for recovery journal entries
	// re-applied after a crash.
	replay bool
	done   func(error)
}

func newSlabJournal(slab *Slab, size common.BlockCount, flushing, blocking, scrubbing common.BlockCount) *SlabJournal {
	return &SlabJournal{
		slab:               slab,
		size:               size,
		flushingThreshold:  flushing,
		blockingThreshold:  blocking,
		scrubbingThreshold: scrubbing,
		head:               1,
		committed:          1,
		tail:               1,
		refLocks:           make([]int, size),
		entries:            make([]format.SlabJournalEntry, 0, format.SlabJournalEntriesPerBlock),
	}
}

func (sj *SlabJournal) slot(seq common.SequenceNumber) int {
	return int(uint64(seq) % uint64(sj.size))
}

func (sj *SlabJournal) length() common.BlockCount {
	return common.BlockCount(sj.tail - sj.head)
}

// AddEntry journals and applies one adjustment. done runs on the slab's
// zone as soon as the entry is applied; durability is the recovery
// journal's responsibility, so the caller does not wait for the slab
// journal block write. recoveryPoint is the recovery journal point of the
// causing entry; its lock is released when this journal's block holding
// the entry commits.
func (sj *SlabJournal) AddEntry(sbn common.SlabBlockNumber, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	sj.add(&slabJournalRequest{sbn: sbn, op: op, recoveryPoint: recoveryPoint, done: done})
}

// addReplay journals a recovery journal entry being re-applied after a
// crash; the refcount rules are relaxed exactly where a crash can leave
// counts behind their journal.
func (sj *SlabJournal) addReplay(sbn common.SlabBlockNumber, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	sj.add(&slabJournalRequest{sbn: sbn, op: op, recoveryPoint: recoveryPoint, replay: true, done: done})
}

func (sj *SlabJournal) add(req *slabJournalRequest) {
	if sj.slab.depot.notifier.IsReadOnly() {
		req.done(sj.slab.depot.notifier.Cause())
		return
	}
	if sj.slab.status != SlabClean && sj.length() >= sj.scrubbingThreshold {
		// A dirty slab whose journal is nearly full must be scrubbed
		// before the journal wraps into unreaped blocks.
		sj.slab.depot.scrubber.require(sj.slab)
	}
	if sj.entryWaiters.HasWaiters() || sj.length() >= sj.blockingThreshold {
		sj.entryWaiters.Enqueue(req)
		// Reaping may be stuck behind dirty refcount blocks; push them
		// out so the head can move.
		sj.requestReap()
		return
	}
	if sj.writing && !sj.tailHasRoom(req.op) {
		// The full tail is already on its way out; the entry waits for
		// the next block to open.
		sj.entryWaiters.Enqueue(req)
		return
	}
	sj.assign(req)
}

func (sj *SlabJournal) capacity() int {
	if sj.hasBlockMapIncrements {
		return format.SlabJournalFullEntries
	}
	return format.SlabJournalEntriesPerBlock
}

// tailHasRoom reports whether the accumulating block can take one more
// entry of the given kind. A block map increment needs the bitmap, which
// shrinks the block.
func (sj *SlabJournal) tailHasRoom(op format.Operation) bool {
	if op == format.BlockMapIncrement {
		return len(sj.entries) < format.SlabJournalFullEntries
	}
	return len(sj.entries) < sj.capacity()
}

func (sj *SlabJournal) assign(req *slabJournalRequest) {
	if !sj.tailHasRoom(req.op) {
		sj.commitTail()
	}

	point := common.JournalPoint{SequenceNumber: sj.tail, EntryCount: uint16(len(sj.entries))}
	if _, err := sj.slab.refCounts.adjust(req.sbn, req.op, point, req.replay); err != nil {
		req.done(err)
		return
	}
	sj.entries = append(sj.entries, format.SlabJournalEntry{Offset: req.sbn, Operation: req.op})
	if req.op == format.BlockMapIncrement {
		sj.hasBlockMapIncrements = true
	}
	if sj.recoveryPoint.Before(req.recoveryPoint) {
		sj.recoveryPoint = req.recoveryPoint
	}
	if req.recoveryPoint.IsValid() {
		sj.recoveryReleases = append(sj.recoveryReleases, req.recoveryPoint.SequenceNumber)
	}
	sj.refLocks[sj.slot(sj.tail)]++
	req.done(nil)

	if len(sj.entries) >= sj.capacity() || sj.length() >= sj.flushingThreshold {
		sj.commitTail()
	}
}

// commitTail writes out the accumulating block. Writes are serialized; a
// commit requested while one is in flight runs when it finishes.
func (sj *SlabJournal) commitTail() {
	if len(sj.entries) == 0 {
		return
	}
	if sj.writing {
		sj.commitAgain = true
		return
	}
	header := format.SlabJournalHeader{
		Head:           uint64(sj.head),
		SequenceNumber: uint64(sj.tail),
		RecoveryPoint:  sj.recoveryPoint.Pack(),
		Nonce:          uint64(sj.slab.depot.nonce),
		MetadataType:   uint8(format.MetadataSlabJournal),
		EntryCount:     uint16(len(sj.entries)),
	}
	if sj.hasBlockMapIncrements {
		header.HasBlockMapIncrements = 1
	}
	entries := make([]format.SlabJournalEntry, len(sj.entries))
	copy(entries, sj.entries)
	releases := sj.recoveryReleases

	seq := sj.tail
	sj.tail++
	sj.entries = sj.entries[:0]
	sj.hasBlockMapIncrements = false
	sj.recoveryPoint = common.JournalPoint{}
	sj.recoveryReleases = nil
	sj.writing = true

	sj.slab.depot.pool.Acquire(func(buf []byte) {
		sj.slab.zone().EnqueueHigh(func() {
			for i := range buf {
				buf[i] = 0
			}
			format.PackSlabJournalHeader(buf, &header)
			format.PackSlabJournalEntries(buf, entries)
			sj.slab.depot.layer.Submit(&storage.Request{
				PBN:    sj.slab.JournalOrigin + common.PBN(sj.slot(seq)),
				Buffer: buf,
				Op:     storage.OpWrite,
				Flush:  true,
				Done: zone.NewCompletion(sj.slab.zone(), func(err error) {
					sj.slab.depot.pool.Release(buf)
					sj.writeDone(seq, releases, err)
				}),
			})
		})
	})
}

func (sj *SlabJournal) writeDone(seq common.SequenceNumber, releases []common.SequenceNumber, err error) {
	sj.writing = false
	if err != nil {
		log.Printf("slab %d: journal block %d write failed: %v", sj.slab.Number, seq, err)
		sj.slab.depot.notifier.EnterReadOnly(err)
		cause := sj.slab.depot.notifier.Cause()
		sj.entryWaiters.NotifyAll(func(req *slabJournalRequest) { req.done(cause) })
		sj.checkDrainComplete()
		return
	}
	sj.committed = seq + 1

	// The recovery journal may now reap the blocks whose entries this
	// block carries.
	for _, recoverySeq := range releases {
		sj.slab.depot.releaseRecoveryLock(recoverySeq, sj.slab.ZoneIndex)
	}

	// Tell the summary where the tail is so a crashed load can find it.
	sj.slab.updateSummary(false)

	if sj.commitAgain {
		sj.commitAgain = false
		sj.commitTail()
	}
	// Entries that queued behind a full tail can fill the fresh one.
	sj.serviceWaiters()
	sj.reap()
	sj.checkDrainComplete()
}

// releaseRefCountLocks is called by the refcount machinery when a written
// block uncovers entries of journal sequence seq.
func (sj *SlabJournal) releaseRefCountLocks(seq common.SequenceNumber, count int) {
	slot := sj.slot(seq)
	if sj.refLocks[slot] < count {
		panic(fmt.Sprintf("slab %d: refcount lock underflow on journal slot %d", sj.slab.Number, slot))
	}
	sj.refLocks[slot] -= count
}

// reap advances the head over durable blocks with no remaining refcount
// locks and admits stalled entries into the freed space.
func (sj *SlabJournal) reap() {
	moved := false
	for sj.head < sj.committed && sj.refLocks[sj.slot(sj.head)] == 0 {
		sj.head++
		moved = true
	}
	if !moved {
		return
	}
	sj.serviceWaiters()
	sj.checkDrainComplete()
}

// requestReap tries to unstick a full journal: flush the refcount blocks
// pinning the head, then reap when their writes complete.
func (sj *SlabJournal) requestReap() {
	sj.commitTail()
	sj.slab.refCounts.WriteDirtyBlocks()
	sj.reap()
}

func (sj *SlabJournal) serviceWaiters() {
	for sj.entryWaiters.HasWaiters() && sj.length() < sj.blockingThreshold {
		req := sj.entryWaiters.First()
		if sj.writing && !sj.tailHasRoom(req.op) {
			return
		}
		sj.entryWaiters.DequeueNext()
		sj.assign(req)
	}
}

// IsEmpty reports whether every journaled entry has been reaped.
func (sj *SlabJournal) IsEmpty() bool {
	return sj.head == sj.tail && len(sj.entries) == 0
}

// Drain commits the partial tail block and calls done once nothing is in
// flight. In read-only mode the tail is discarded instead of written.
func (sj *SlabJournal) Drain(done func(error)) {
	sj.drainDone = done
	if !sj.slab.depot.notifier.IsReadOnly() {
		sj.commitTail()
	} else {
		sj.entries = sj.entries[:0]
	}
	sj.checkDrainComplete()
}

func (sj *SlabJournal) checkDrainComplete() {
	if sj.drainDone == nil {
		return
	}
	if !sj.writing && len(sj.entries) > 0 {
		// Waiters admitted after the drain's commit refilled the tail.
		if sj.slab.depot.notifier.IsReadOnly() {
			sj.entries = sj.entries[:0]
		} else {
			sj.commitTail()
		}
	}
	if sj.writing || len(sj.entries) > 0 {
		return
	}
	done := sj.drainDone
	sj.drainDone = nil
	done(nil)
}
