package depot

import (
	"log"
	"sort"
	"sync/atomic"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// Scrubber rebuilds dirty slabs by replaying their journals into their
// reference counts. One slab is scrubbed at a time; slabs someone is
// actually waiting on jump the queue. A suspended scrub abandons the slab
// mid-flight and redoes it from scratch on resume, so no partial progress
// is ever assumed.
//
// The scrubber runs on zone 0 of the depot; slab state is touched only
// through each slab's own zone.
type Scrubber struct {
	depot *SlabDepot

	normal       []*Slab
	highPriority []*Slab
	active       *Slab
	// suspended is read from slab zones at step boundaries.
	suspended atomic.Bool
	drainDone func(error)
	// waiters hear when every queued slab is clean.
	waiters common.WaitQueue[func(error)]
}

func newScrubber(depot *SlabDepot) *Scrubber {
	return &Scrubber{depot: depot}
}

// register queues a dirty slab for scrubbing at normal priority. Owning
// zone of the slab.
func (sc *Scrubber) register(s *Slab) {
	s.status = SlabUnrecovered
	sc.depot.zones[0].Enqueue(func() {
		sc.normal = append(sc.normal, s)
		sc.scrubNext()
	})
}

// require escalates a slab someone is blocked on to the high priority
// queue.
func (sc *Scrubber) require(s *Slab) {
	sc.depot.zones[0].Enqueue(func() {
		for i, queued := range sc.normal {
			if queued == s {
				sc.normal = append(sc.normal[:i], sc.normal[i+1:]...)
				sc.highPriority = append(sc.highPriority, s)
				break
			}
		}
		sc.scrubNext()
	})
}

// WaitForClean calls done once no slabs remain to scrub.
func (sc *Scrubber) WaitForClean(done func(error)) {
	sc.depot.zones[0].Enqueue(func() {
		sc.waiters.Enqueue(done)
		sc.checkClean()
	})
}

func (sc *Scrubber) checkClean() {
	if sc.active != nil || len(sc.normal) > 0 || len(sc.highPriority) > 0 {
		return
	}
	sc.waiters.NotifyAll(func(done func(error)) { done(nil) })
}

func (sc *Scrubber) scrubNext() {
	if sc.suspended.Load() || sc.active != nil {
		sc.checkDrainComplete()
		return
	}
	var s *Slab
	if len(sc.highPriority) > 0 {
		s, sc.highPriority = sc.highPriority[0], sc.highPriority[1:]
	} else if len(sc.normal) > 0 {
		s, sc.normal = sc.normal[0], sc.normal[1:]
	} else {
		sc.checkClean()
		return
	}
	sc.active = s
	s.zone().Enqueue(func() { sc.readJournal(s) })
}

// readJournal pulls in the whole slab journal, then replays it.
func (sc *Scrubber) readJournal(s *Slab) {
	size := int(sc.depot.slabJournalBlocks)
	blocks := make([][]byte, size)
	remaining := size
	for i := 0; i < size; i++ {
		buf := make([]byte, common.BlockSize)
		blocks[i] = buf
		sc.depot.layer.Submit(&storage.Request{
			PBN:    s.JournalOrigin + common.PBN(i),
			Buffer: buf,
			Op:     storage.OpRead,
			Done: zone.NewCompletion(s.zone(), func(err error) {
				if err != nil {
					sc.depot.notifier.EnterReadOnly(err)
				}
				remaining--
				if remaining == 0 {
					sc.replay(s, blocks)
				}
			}),
		})
	}
}

func (sc *Scrubber) replay(s *Slab, blocks [][]byte) {
	if sc.abandonIfSuspended(s) {
		return
	}
	if sc.depot.notifier.IsReadOnly() {
		sc.finish(s)
		return
	}

	type journalBlock struct {
		header  format.SlabJournalHeader
		entries []format.SlabJournalEntry
	}
	var valid []journalBlock
	for i, buf := range blocks {
		h, err := format.UnpackSlabJournalHeader(buf)
		if err != nil || !h.IsValid(sc.depot.nonce) {
			continue
		}
		if int(uint64(h.SequenceNumber)%uint64(len(blocks))) != i {
			continue
		}
		entries, err := format.UnpackSlabJournalEntries(buf, &h)
		if err != nil {
			log.Printf("slab %d: journal block %d undecodable: %v", s.Number, h.SequenceNumber, err)
			sc.depot.notifier.EnterReadOnly(err)
			sc.finish(s)
			return
		}
		valid = append(valid, journalBlock{header: h, entries: entries})
	}
	sort.Slice(valid, func(a, b int) bool {
		return valid[a].header.SequenceNumber < valid[b].header.SequenceNumber
	})

	s.status = SlabReplaying
	var tail common.SequenceNumber = 1
	for _, b := range valid {
		seq := common.SequenceNumber(b.header.SequenceNumber)
		if p := common.UnpackJournalPoint(b.header.RecoveryPoint); s.loadedRecoveryPoint.Before(p) {
			s.loadedRecoveryPoint = p
		}
		for i, e := range b.entries {
			point := common.JournalPoint{SequenceNumber: seq, EntryCount: uint16(i)}
			if err := s.refCounts.Replay(e, point); err != nil {
				log.Printf("slab %d: replay failed: %v", s.Number, err)
				sc.depot.notifier.EnterReadOnly(err)
				sc.finish(s)
				return
			}
		}
		tail = seq + 1
	}

	// The journal is now fully reflected in the counts; resume it empty
	// past its old tail.
	s.journal.head = tail
	s.journal.committed = tail
	s.journal.tail = tail

	s.refCounts.Drain(func(err error) {
		if err != nil || sc.abandonIfSuspended(s) {
			return
		}
		s.depot.summary.Update(s.Number,
			uint8(s.journal.slot(tail)),
			true,
			true,
			s.refCounts.FreeBlocks(),
			sc.depot.slabDataBlocks,
			func(error) {
				s.zone().Enqueue(func() { sc.scrubbed(s) })
			})
	})
}

func (sc *Scrubber) scrubbed(s *Slab) {
	s.scrubbed()
	sc.finish(s)
}

func (sc *Scrubber) finish(s *Slab) {
	sc.depot.zones[0].Enqueue(func() {
		sc.active = nil
		sc.scrubNext()
	})
}

// abandonIfSuspended drops the slab back to the queue when a suspend
// arrived mid-scrub. The next pass redoes everything.
func (sc *Scrubber) abandonIfSuspended(s *Slab) bool {
	if !sc.suspended.Load() {
		return false
	}
	s.status = SlabUnrecovered
	sc.depot.zones[0].Enqueue(func() {
		sc.highPriority = append(sc.highPriority, s)
		sc.active = nil
		sc.checkDrainComplete()
	})
	return true
}

// Suspend stops scrubbing at the next step boundary. done runs once no
// scrub is in flight.
func (sc *Scrubber) Suspend(done func(error)) {
	sc.depot.zones[0].Enqueue(func() {
		sc.suspended.Store(true)
		sc.drainDone = done
		sc.checkDrainComplete()
	})
}

func (sc *Scrubber) checkDrainComplete() {
	if !sc.suspended.Load() || sc.drainDone == nil || sc.active != nil {
		return
	}
	done := sc.drainDone
	sc.drainDone = nil
	done(nil)
}

// Resume restarts scrubbing of everything still queued.
func (sc *Scrubber) Resume() {
	sc.depot.zones[0].Enqueue(func() {
		sc.suspended.Store(false)
		sc.scrubNext()
	})
}
