package vdo

import (
	"log"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/journal"
)

// recover repairs the device after an unclean shutdown. Every slab is
// scrubbed first, since the summary's clean flags cannot be trusted across
// a crash; then the journal entries the depot and block map may have lost
// are re-applied, and everything is saved before new work is admitted, so
// a crash during recovery just restarts it.
//
// Per-slab idempotence comes from the recovery point in each slab journal
// block header: entries the slab already made durable are skipped. Block
// map updates are idempotent by nature, a mapping overwritten with itself.
func (v *VDO) recover(sb format.SuperBlockState, scan *journal.ScanResult) error {
	if err := v.journal.Open(format.RecoveryJournalState{
		JournalStart:       uint64(scan.Tail),
		LogicalBlocksUsed:  scan.LogicalBlocksUsed,
		BlockMapDataBlocks: scan.BlockMapDataBlocks,
	}); err != nil {
		return err
	}
	if err := v.depot.Load(); err != nil {
		return err
	}
	v.depot.ScrubAll()
	if err := v.waitForScrub(); err != nil {
		return err
	}
	if err := v.startOperation(admin.CodeRecovering); err != nil {
		return err
	}

	err := v.replay(sb, scan)
	v.finishOperation(err)
	if err != nil {
		// The metadata cannot be trusted to advance; serve reads only.
		log.Printf("recovery replay failed: %v", err)
		v.notifier.EnterReadOnly(err)
		return nil
	}

	// Make the replayed state durable so the journal entries are no longer
	// needed, then return to service.
	if err := v.Save(); err != nil {
		return err
	}
	return v.Resume()
}

// replay re-applies scanned journal entries. Everything older than the
// saved journal start was durable everywhere at the last save; past that,
// the scanned heads say what each consumer may have lost.
func (v *VDO) replay(sb format.SuperBlockState, scan *journal.ScanResult) error {
	saved := common.SequenceNumber(sb.Journal.JournalStart)
	slabHead := max(scan.SlabJournalHead, saved)
	bmHead := max(scan.BlockMapHead, saved)

	results := make(chan error, 2*len(scan.Entries))
	issued := 0
	for _, e := range scan.Entries {
		if e.Point.SequenceNumber >= slabHead &&
			e.Entry.Mapping.IsMapped() && e.Entry.Mapping.PBN != common.ZeroBlock {
			issued++
			v.depot.Replay(e.Entry.Mapping.PBN, e.Entry.Operation, e.Point,
				func(err error) { results <- err })
		}
		// Only data increments rebuild mappings; a block map increment
		// references a tree page, and decrements never carry the new
		// location.
		if e.Point.SequenceNumber >= bmHead && e.Entry.Operation == format.DataIncrement {
			issued++
			lbn := common.LBN(uint64(e.Entry.PagePBN)*format.BlockMapEntriesPerPage +
				uint64(e.Entry.Slot))
			v.blockMap.Put(lbn, e.Entry.Mapping, 0,
				func(err error) { results <- err })
		}
	}

	var firstErr error
	for i := 0; i < issued; i++ {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
