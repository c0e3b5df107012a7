package depot

import (
	"fmt"
	"log"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// RefCounts holds the in-memory reference counts of one slab and manages
// their durable copy. Counts change only through journaled adjustments;
// each adjustment dirties the refcount block covering it, and that block
// holds locks on the slab journal blocks whose entries it reflects until
// the block is rewritten.
type RefCounts struct {
	slab *Slab

	counts     []uint8
	freeBlocks common.BlockCount
	// searchCursor is where allocation scanning resumes; it survives
	// across allocations so the slab fills roughly front to back.
	searchCursor common.SlabBlockNumber

	// sjPoint is the point of the latest slab journal entry applied.
	sjPoint common.JournalPoint
	// loadedPoints holds each sector's commit point as read from disk;
	// replay skips entries at or before them.
	loadedPoints []common.JournalPoint

	blocks  []*refCountBlock
	writing int
	// flushRequested runs a full dirty-block write pass, used when slab
	// journal reaping is stuck behind unwritten count updates.
	drainDone func(error)
}

// refCountBlock tracks the dirty state of one on-disk block of counts.
type refCountBlock struct {
	index   int
	dirty   bool
	writing bool
	// journalLocks counts applied-but-unwritten entries per slab journal
	// sequence number; the write releases them.
	journalLocks map[common.SequenceNumber]int
	// writingLocks are the locks covered by the in-flight write.
	writingLocks map[common.SequenceNumber]int
}

func newRefCounts(slab *Slab, dataBlocks common.BlockCount) *RefCounts {
	blockCount := int(format.RefCountBlockCount(dataBlocks))
	rc := &RefCounts{
		slab:         slab,
		counts:       make([]uint8, dataBlocks),
		freeBlocks:   dataBlocks,
		loadedPoints: make([]common.JournalPoint, blockCount*common.SectorsPerBlock),
	}
	for i := 0; i < blockCount; i++ {
		rc.blocks = append(rc.blocks, &refCountBlock{
			index:        i,
			journalLocks: make(map[common.SequenceNumber]int),
		})
	}
	return rc
}

// FreeBlocks returns the number of unreferenced data blocks.
func (rc *RefCounts) FreeBlocks() common.BlockCount { return rc.freeBlocks }

// Count returns the reference count of one slab block.
func (rc *RefCounts) Count(sbn common.SlabBlockNumber) uint8 { return rc.counts[sbn] }

// Allocate finds the first free block at or after the search cursor,
// wrapping once, and marks it provisionally referenced. The provisional
// reference is confirmed by the journaled increment that follows, or
// simply vanishes at the next crash.
func (rc *RefCounts) Allocate() (common.SlabBlockNumber, error) {
	if rc.freeBlocks == 0 {
		return 0, fmt.Errorf("%w: slab %d is fully referenced", common.ErrNoSpace, rc.slab.Number)
	}
	n := common.SlabBlockNumber(len(rc.counts))
	for i := common.SlabBlockNumber(0); i < n; i++ {
		sbn := (rc.searchCursor + i) % n
		if rc.counts[sbn] == format.EmptyRefCount {
			rc.counts[sbn] = format.ProvisionalRefCount
			rc.freeBlocks--
			rc.searchCursor = (sbn + 1) % n
			rc.dirtyBlockFor(sbn, 0)
			return sbn, nil
		}
	}
	return 0, fmt.Errorf("%w: slab %d is fully referenced", common.ErrNoSpace, rc.slab.Number)
}

// Adjust applies one journaled reference adjustment. It reports whether
// the block changed between free and in-use, which keeps the free count
// and summary hints correct.
func (rc *RefCounts) Adjust(sbn common.SlabBlockNumber, op format.Operation,
	point common.JournalPoint) (bool, error) {
	return rc.adjust(sbn, op, point, false)
}

func (rc *RefCounts) adjust(sbn common.SlabBlockNumber, op format.Operation,
	point common.JournalPoint, replay bool) (freeStatusChanged bool, err error) {
	freeStatusChanged, err = rc.apply(sbn, op, replay)
	if err != nil {
		return false, err
	}
	if freeStatusChanged {
		if op.IsIncrement() {
			rc.freeBlocks--
		} else {
			rc.freeBlocks++
		}
	}
	rc.sjPoint = point
	rc.dirtyBlockFor(sbn, point.SequenceNumber)
	return freeStatusChanged, nil
}

// apply mutates one count. Replay relaxes the rules exactly where a crash
// can leave counts behind their journal: a block map increment may find
// the count free rather than provisional.
func (rc *RefCounts) apply(sbn common.SlabBlockNumber, op format.Operation, replay bool) (bool, error) {
	current := rc.counts[sbn]
	switch op {
	case format.DataIncrement:
		switch {
		case current == format.EmptyRefCount:
			rc.counts[sbn] = 1
			return true, nil
		case current == format.ProvisionalRefCount:
			rc.counts[sbn] = 1
			return false, nil
		case current >= format.MaxRefCount:
			return false, fmt.Errorf("%w: incrementing block %d of slab %d with count %d",
				common.ErrRefCountInvalid, sbn, rc.slab.Number, current)
		default:
			rc.counts[sbn] = current + 1
			return false, nil
		}

	case format.DataDecrement:
		switch {
		case current == format.EmptyRefCount:
			return false, fmt.Errorf("%w: decrementing free block %d of slab %d",
				common.ErrRefCountInvalid, sbn, rc.slab.Number)
		case current == format.ProvisionalRefCount, current == 1:
			rc.counts[sbn] = format.EmptyRefCount
			return true, nil
		default:
			rc.counts[sbn] = current - 1
			return false, nil
		}

	case format.BlockMapIncrement:
		switch {
		case current == format.ProvisionalRefCount:
			rc.counts[sbn] = format.MaxRefCount
			return false, nil
		case current == format.EmptyRefCount && replay:
			rc.counts[sbn] = format.MaxRefCount
			return true, nil
		default:
			return false, fmt.Errorf("%w: block map increment of block %d of slab %d with count %d",
				common.ErrRefCountInvalid, sbn, rc.slab.Number, current)
		}

	case format.BlockMapDecrement:
		if current != format.MaxRefCount {
			return false, fmt.Errorf("%w: block map decrement of block %d of slab %d with count %d",
				common.ErrRefCountInvalid, sbn, rc.slab.Number, current)
		}
		rc.counts[sbn] = format.EmptyRefCount
		return true, nil
	}
	return false, fmt.Errorf("%w: unknown operation %d", common.ErrRefCountInvalid, op)
}

// Release drops a provisional reference that will not be confirmed, such
// as after a failed journal append.
func (rc *RefCounts) Release(sbn common.SlabBlockNumber) {
	if rc.counts[sbn] == format.ProvisionalRefCount {
		rc.counts[sbn] = format.EmptyRefCount
		rc.freeBlocks++
		rc.dirtyBlockFor(sbn, 0)
	}
}

// Replay applies a slab journal entry during scrubbing. Entries already
// reflected in the on-disk counts, as witnessed by the commit point of the
// sector holding the count, are skipped; replaying twice equals replaying
// once.
func (rc *RefCounts) Replay(e format.SlabJournalEntry, point common.JournalPoint) error {
	sector := int(e.Offset) / format.RefCountsPerSector
	if !rc.loadedPoints[sector].Before(point) {
		return nil
	}
	freeStatusChanged, err := rc.apply(e.Offset, e.Operation, true)
	if err != nil {
		return err
	}
	if freeStatusChanged {
		if e.Operation.IsIncrement() {
			rc.freeBlocks--
		} else {
			rc.freeBlocks++
		}
	}
	rc.sjPoint = point
	rc.dirtyBlockFor(e.Offset, 0)
	return nil
}

func (rc *RefCounts) dirtyBlockFor(sbn common.SlabBlockNumber, seq common.SequenceNumber) {
	b := rc.blocks[int(sbn)/format.RefCountsPerBlock]
	b.dirty = true
	if seq != 0 {
		b.journalLocks[seq]++
	}
}

// oldestLockedSequence returns the oldest slab journal sequence still
// pinned by unwritten counts, or zero.
func (rc *RefCounts) oldestLockedSequence() common.SequenceNumber {
	var oldest common.SequenceNumber
	for _, b := range rc.blocks {
		for _, locks := range []map[common.SequenceNumber]int{b.journalLocks, b.writingLocks} {
			for seq := range locks {
				if oldest == 0 || seq < oldest {
					oldest = seq
				}
			}
		}
	}
	return oldest
}

// WriteDirtyBlocks starts writing every dirty refcount block through the
// shared buffer pool. Completion of each write releases the slab journal
// locks its counts pinned. Idempotent while writes are in flight.
func (rc *RefCounts) WriteDirtyBlocks() {
	for _, b := range rc.blocks {
		if b.dirty && !b.writing {
			rc.writeBlock(b)
		}
	}
}

func (rc *RefCounts) writeBlock(b *refCountBlock) {
	b.writing = true
	b.dirty = false
	b.writingLocks = b.journalLocks
	b.journalLocks = make(map[common.SequenceNumber]int)
	rc.writing++
	rc.slab.depot.pool.Acquire(func(buf []byte) {
		// The pool hands buffers off in the releasing zone; hop back.
		rc.slab.zone().EnqueueHigh(func() { rc.packAndSubmit(b, buf) })
	})
}

func (rc *RefCounts) packAndSubmit(b *refCountBlock, buf []byte) {
	base := b.index * format.RefCountsPerBlock
	for sector := 0; sector < common.SectorsPerBlock; sector++ {
		lo := base + sector*format.RefCountsPerSector
		if lo > len(rc.counts) {
			lo = len(rc.counts)
		}
		hi := lo + format.RefCountsPerSector
		if hi > len(rc.counts) {
			hi = len(rc.counts)
		}
		format.PackRefCountSector(buf[sector*common.SectorSize:], rc.sjPoint, rc.counts[lo:hi])
	}
	rc.slab.depot.layer.Submit(&storage.Request{
		PBN:    rc.slab.RefCountOrigin + common.PBN(b.index),
		Buffer: buf,
		Op:     storage.OpWrite,
		Flush:  true,
		Done: zone.NewCompletion(rc.slab.zone(), func(err error) {
			rc.slab.depot.pool.Release(buf)
			rc.writeDone(b, err)
		}),
	})
}

func (rc *RefCounts) writeDone(b *refCountBlock, err error) {
	b.writing = false
	rc.writing--
	released := b.writingLocks
	b.writingLocks = nil
	if err != nil {
		log.Printf("slab %d: refcount block %d write failed: %v", rc.slab.Number, b.index, err)
		rc.slab.depot.notifier.EnterReadOnly(err)
	} else {
		for seq, count := range released {
			rc.slab.journal.releaseRefCountLocks(seq, count)
		}
		if b.dirty {
			// Redirtied during the write; go again rather than dropping
			// the newer counts.
			rc.writeBlock(b)
			return
		}
	}
	rc.checkDrainComplete()
	rc.slab.journal.reap()
}

// Load reads the slab's counts from disk, capturing each sector's commit
// point for replay filtering.
func (rc *RefCounts) Load() error {
	buf := make([]byte, common.BlockSize)
	free := common.BlockCount(0)
	for _, b := range rc.blocks {
		if err := storage.ReadSync(rc.slab.depot.layer, rc.slab.RefCountOrigin+common.PBN(b.index), buf); err != nil {
			return err
		}
		base := b.index * format.RefCountsPerBlock
		for sector := 0; sector < common.SectorsPerBlock; sector++ {
			lo := base + sector*format.RefCountsPerSector
			if lo >= len(rc.counts) {
				break
			}
			hi := lo + format.RefCountsPerSector
			if hi > len(rc.counts) {
				hi = len(rc.counts)
			}
			point := format.UnpackRefCountSector(buf[sector*common.SectorSize:], rc.counts[lo:hi])
			rc.loadedPoints[b.index*common.SectorsPerBlock+sector] = point
		}
	}
	for i, c := range rc.counts {
		// Provisional references did not survive the crash.
		if c == format.ProvisionalRefCount {
			rc.counts[i] = format.EmptyRefCount
		}
		if rc.counts[i] == format.EmptyRefCount {
			free++
		}
	}
	rc.freeBlocks = free
	return nil
}

// Drain writes out all dirty blocks and calls done once none are dirty or
// writing.
func (rc *RefCounts) Drain(done func(error)) {
	rc.drainDone = done
	rc.WriteDirtyBlocks()
	rc.checkDrainComplete()
}

func (rc *RefCounts) checkDrainComplete() {
	if rc.drainDone == nil || rc.writing > 0 {
		return
	}
	for _, b := range rc.blocks {
		if b.dirty || b.writing {
			return
		}
	}
	done := rc.drainDone
	rc.drainDone = nil
	done(nil)
}
