package depot

import (
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// SlabStatus describes whether a slab's counts can be trusted.
type SlabStatus int

const (
	// SlabClean: counts are current; the slab may allocate.
	SlabClean SlabStatus = iota
	// SlabUnrecovered: the on-disk journal holds entries not reflected in
	// the counts; the slab must be scrubbed before allocating.
	SlabUnrecovered
	// SlabReplaying: the scrubber is applying journal entries now.
	SlabReplaying
)

// Slab is one fixed-size partition of physical space. Its layout on disk
// is data blocks, then refcount blocks, then slab journal blocks. All
// fields are owned by the slab's physical zone.
type Slab struct {
	depot  *SlabDepot
	Number int
	// ZoneIndex selects the physical zone owning this slab.
	ZoneIndex int

	// Origin is the first data block; End is one past the last.
	Origin         common.PBN
	End            common.PBN
	RefCountOrigin common.PBN
	JournalOrigin  common.PBN

	refCounts *RefCounts
	journal   *SlabJournal
	state     *admin.State
	status    SlabStatus

	// loadedRecoveryPoint is the highest recovery journal point already
	// durable in this slab's journal, recovered from its block headers by
	// the scrubber. Replay skips entries at or before it.
	loadedRecoveryPoint common.JournalPoint

	// allocWaiters queue while the slab awaits scrubbing.
	allocWaiters common.WaitQueue[func(common.PBN, error)]
}

func (s *Slab) zone() *zone.Zone { return s.depot.zones[s.ZoneIndex] }

// Status returns the slab's recovery status.
func (s *Slab) Status() SlabStatus { return s.status }

// FreeBlocks returns the slab's free data block count.
func (s *Slab) FreeBlocks() common.BlockCount { return s.refCounts.FreeBlocks() }

// ContainsPBN reports whether pbn is one of this slab's data blocks.
func (s *Slab) ContainsPBN(pbn common.PBN) bool {
	return pbn >= s.Origin && pbn < s.End
}

func (s *Slab) blockNumber(pbn common.PBN) (common.SlabBlockNumber, error) {
	if !s.ContainsPBN(pbn) {
		return 0, fmt.Errorf("%w: pbn %d not in slab %d", common.ErrOutOfRange, pbn, s.Number)
	}
	return common.SlabBlockNumber(pbn - s.Origin), nil
}

// Allocate hands a provisionally referenced free block to done. A dirty
// slab queues the request and asks the scrubber to get to it; queued
// requests release in submission order once scrubbing finishes.
func (s *Slab) Allocate(done func(common.PBN, error)) {
	if s.status != SlabClean {
		s.allocWaiters.Enqueue(done)
		s.depot.scrubber.require(s)
		return
	}
	sbn, err := s.refCounts.Allocate()
	if err != nil {
		done(0, err)
		return
	}
	done(s.Origin+common.PBN(sbn), nil)
}

// AddEntry journals one reference adjustment for a block of this slab.
func (s *Slab) AddEntry(pbn common.PBN, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	sbn, err := s.blockNumber(pbn)
	if err != nil {
		done(err)
		return
	}
	if s.state.IsQuiescent() {
		done(fmt.Errorf("%w: slab %d is %s", common.ErrInvalidAdminState, s.Number, s.state.Code()))
		return
	}
	s.journal.AddEntry(sbn, op, recoveryPoint, done)
}

// Replay re-applies one recovery journal entry after a crash. Entries this
// slab's own journal already made durable are skipped, so replaying is
// idempotent across repeated crashes. A lock on the entry's recovery
// journal block is held until the slab journal commits it.
func (s *Slab) Replay(pbn common.PBN, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	sbn, err := s.blockNumber(pbn)
	if err != nil {
		done(err)
		return
	}
	if recoveryPoint.IsValid() && !s.loadedRecoveryPoint.Before(recoveryPoint) {
		done(nil)
		return
	}
	if s.state.IsQuiescent() {
		done(fmt.Errorf("%w: slab %d is %s", common.ErrInvalidAdminState, s.Number, s.state.Code()))
		return
	}
	if recoveryPoint.IsValid() && s.depot.recovery != nil {
		s.depot.recovery.AcquireLock(recoveryPoint.SequenceNumber, common.ZoneTypePhysical, s.ZoneIndex)
	}
	s.journal.addReplay(sbn, op, recoveryPoint, done)
}

// ReleaseProvisional drops an unconfirmed allocation.
func (s *Slab) ReleaseProvisional(pbn common.PBN) {
	if sbn, err := s.blockNumber(pbn); err == nil {
		s.refCounts.Release(sbn)
	}
}

// updateSummary pushes the slab's current hint state into the summary.
// Failures surface through the read-only notifier, not the caller.
func (s *Slab) updateSummary(clean bool) {
	s.depot.summary.Update(s.Number,
		uint8(s.journal.slot(s.journal.tail)),
		true,
		clean,
		s.refCounts.FreeBlocks(),
		s.depot.slabDataBlocks,
		func(error) {})
}

// scrubbed moves the slab back to clean and releases queued allocations in
// submission order.
func (s *Slab) scrubbed() {
	s.status = SlabClean
	s.allocWaiters.NotifyAll(func(done func(common.PBN, error)) {
		s.Allocate(done)
	})
}

// Drain writes out this slab's volatile state: journal tail first, then
// dirty refcount blocks, then a clean summary entry when saving.
func (s *Slab) Drain(op *admin.Code, done func(error)) {
	if s.state.StartDraining(op, done) != nil {
		return
	}
	s.journal.Drain(func(jerr error) {
		s.refCounts.Drain(func(rerr error) {
			if jerr == nil {
				jerr = rerr
			}
			if op == admin.CodeSaving && !s.depot.notifier.IsReadOnly() {
				s.depot.summary.Update(s.Number,
					uint8(s.journal.slot(s.journal.tail)),
					true,
					s.journal.IsEmpty(),
					s.refCounts.FreeBlocks(),
					s.depot.slabDataBlocks,
					func(serr error) {
						s.zone().Enqueue(func() {
							if jerr == nil {
								jerr = serr
							}
							s.state.Finish(jerr)
						})
					})
				return
			}
			s.state.Finish(jerr)
		})
	})
}

// Resume returns a drained slab to normal operation.
func (s *Slab) Resume() error {
	if err := s.state.StartOperation(admin.CodeResuming); err != nil {
		return err
	}
	s.state.Finish(nil)
	return nil
}
