// Package depot implements the slab depot: the partitioning of physical
// space into slabs, each with its own reference counts and slab journal,
// plus the slab summary and the scrubber which rebuilds dirty slabs after
// a crash.
package depot

import (
	"log"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// SlabSummary holds the per-slab hint entries and writes them back a block
// at a time. Concurrent updates to slabs in the same block coalesce: the
// block is redirtied and rewritten once the in-flight write finishes, and
// every queued waiter hears about the write that actually covered its
// update.
type SlabSummary struct {
	zone     *zone.Zone
	layer    storage.Layer
	origin   common.PBN
	notifier *admin.ReadOnlyNotifier
	state    *admin.State

	entries []format.SummaryEntry
	blocks  []*summaryBlock
}

type summaryBlock struct {
	index   int
	writing bool
	dirty   bool
	buf     []byte
	// current holds waiters covered by the in-flight write; queued holds
	// waiters for updates made after it launched.
	current common.WaitQueue[func(error)]
	queued  common.WaitQueue[func(error)]
}

// NewSlabSummary creates a summary for slabCount slabs stored at origin.
func NewSlabSummary(z *zone.Zone, layer storage.Layer, origin common.PBN, slabCount int, notifier *admin.ReadOnlyNotifier) *SlabSummary {
	blockCount := (slabCount + format.SummaryEntriesPerBlock - 1) / format.SummaryEntriesPerBlock
	if blockCount == 0 {
		blockCount = 1
	}
	s := &SlabSummary{
		zone:     z,
		layer:    layer,
		origin:   origin,
		notifier: notifier,
		state:    admin.NewState(admin.CodeNormal),
		entries:  make([]format.SummaryEntry, slabCount),
	}
	for i := 0; i < blockCount; i++ {
		s.blocks = append(s.blocks, &summaryBlock{index: i, buf: make([]byte, common.BlockSize)})
	}
	return s
}

// Load reads the summary from disk. Synchronous; runs before zones start
// handling work.
func (s *SlabSummary) Load() error {
	buf := make([]byte, common.BlockSize)
	for _, b := range s.blocks {
		if err := storage.ReadSync(s.layer, s.origin+common.PBN(b.index), buf); err != nil {
			return err
		}
		base := b.index * format.SummaryEntriesPerBlock
		for i := 0; i < format.SummaryEntriesPerBlock && base+i < len(s.entries); i++ {
			s.entries[base+i] = format.UnpackSummaryEntry(buf[i*format.SummaryEntrySize:])
		}
	}
	return nil
}

// Entry returns the current hint for a slab. Owning zone only.
func (s *SlabSummary) Entry(slab int) format.SummaryEntry {
	return s.entries[slab]
}

// Update records a slab's new hint state and calls done once a write
// covering it is durable. Callable from any zone; done runs on the
// summary's zone.
func (s *SlabSummary) Update(slab int, tailOffset uint8, loadRefCounts, isClean bool,
	freeBlocks, slabSize common.BlockCount, done func(error)) {
	s.zone.Enqueue(func() {
		s.update(slab, tailOffset, loadRefCounts, isClean, freeBlocks, slabSize, done)
	})
}

func (s *SlabSummary) update(slab int, tailOffset uint8, loadRefCounts, isClean bool,
	freeBlocks, slabSize common.BlockCount, done func(error)) {
	if s.notifier.IsReadOnly() {
		done(s.notifier.Cause())
		return
	}
	s.entries[slab] = format.SummaryEntry{
		TailBlockOffset: tailOffset,
		FullnessHint:    format.ComputeFullnessHint(freeBlocks, slabSize),
		LoadRefCounts:   loadRefCounts,
		IsDirty:         !isClean,
	}
	b := s.blocks[slab/format.SummaryEntriesPerBlock]
	if b.writing {
		b.dirty = true
		b.queued.Enqueue(done)
		return
	}
	b.current.Enqueue(done)
	s.writeBlock(b)
}

func (s *SlabSummary) writeBlock(b *summaryBlock) {
	b.writing = true
	b.dirty = false
	base := b.index * format.SummaryEntriesPerBlock
	for i := 0; i < format.SummaryEntriesPerBlock && base+i < len(s.entries); i++ {
		format.PackSummaryEntry(b.buf[i*format.SummaryEntrySize:], s.entries[base+i])
	}
	s.layer.Submit(&storage.Request{
		PBN:    s.origin + common.PBN(b.index),
		Buffer: b.buf,
		Op:     storage.OpWrite,
		Flush:  true,
		Done:   zone.NewCompletion(s.zone, func(err error) { s.writeDone(b, err) }),
	})
}

func (s *SlabSummary) writeDone(b *summaryBlock, err error) {
	b.writing = false
	if err != nil {
		log.Printf("slab summary: write of block %d failed: %v", b.index, err)
		s.notifier.EnterReadOnly(err)
		cause := s.notifier.Cause()
		b.current.NotifyAll(func(done func(error)) { done(cause) })
		b.queued.NotifyAll(func(done func(error)) { done(cause) })
		s.checkDrainComplete()
		return
	}
	b.current.NotifyAll(func(done func(error)) { done(nil) })
	if b.dirty {
		b.queued.TransferAll(&b.current)
		s.writeBlock(b)
		return
	}
	s.checkDrainComplete()
}

// Drain completes once no summary block write is in flight. Callable from
// any zone.
func (s *SlabSummary) Drain(op *admin.Code, done func(error)) {
	s.zone.Enqueue(func() {
		if s.state.StartDraining(op, done) != nil {
			return
		}
		s.checkDrainComplete()
	})
}

func (s *SlabSummary) checkDrainComplete() {
	if !s.state.IsDraining() {
		return
	}
	for _, b := range s.blocks {
		if b.writing {
			return
		}
	}
	s.state.Finish(nil)
}

// Grow extends the summary to cover slabCount slabs, adding blocks as
// needed. New entries start zeroed: clean and empty.
func (s *SlabSummary) Grow(slabCount int) {
	s.zone.Enqueue(func() {
		for len(s.entries) < slabCount {
			s.entries = append(s.entries, format.SummaryEntry{})
		}
		needed := (slabCount + format.SummaryEntriesPerBlock - 1) / format.SummaryEntriesPerBlock
		for len(s.blocks) < needed {
			s.blocks = append(s.blocks, &summaryBlock{
				index: len(s.blocks),
				buf:   make([]byte, common.BlockSize),
			})
		}
	})
}

// Resume returns the summary to normal operation.
func (s *SlabSummary) Resume(done func(error)) {
	s.zone.Enqueue(func() {
		if s.state.StartDraining(admin.CodeResuming, done) != nil {
			return
		}
		s.state.Finish(nil)
	})
}
