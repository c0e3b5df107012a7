package vdo

import (
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/journal"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// leafSlot addresses a logical block the way journal entries do: by the
// index of its block map leaf page and the slot within it. Replay turns
// the pair back into the logical block number.
func leafSlot(lbn common.LBN) (common.PBN, uint16) {
	return common.PBN(uint64(lbn) / format.BlockMapEntriesPerPage),
		uint16(uint64(lbn) % format.BlockMapEntriesPerPage)
}

// Read looks up the current mapping of one logical block. Unmapped blocks
// and blocks mapped to the zero block both read as zeroes; the location
// distinguishes them. Lookups are served even in read-only mode.
func (v *VDO) Read(lbn common.LBN) (format.DataLocation, error) {
	type result struct {
		loc format.DataLocation
		err error
	}
	ch := make(chan result, 1)
	v.blockMap.Get(lbn, func(loc format.DataLocation, err error) {
		ch <- result{loc, err}
	})
	r := <-ch
	return r.loc, r.err
}

// Write maps a logical block to a freshly allocated physical block and
// returns it; writing the data there is the caller's business. The old
// mapping, if any, is dereferenced after the new one is durable.
//
// Concurrent writes to the same logical block are unordered, as on any
// block device.
func (v *VDO) Write(lbn common.LBN) (common.PBN, error) {
	old, err := v.Read(lbn)
	if err != nil {
		return 0, err
	}
	physZone := int(uint64(lbn)) % v.cfg.PhysicalZones
	pbn, err := v.allocateBlock(physZone)
	if err != nil {
		return 0, err
	}
	loc := format.DataLocation{PBN: pbn, State: format.StateUncompressed}
	if err := v.store(lbn, old, loc, physZone); err != nil {
		v.depot.ReleaseProvisional(pbn)
		return 0, err
	}
	return pbn, nil
}

// Discard unmaps a logical block by mapping it to the zero block, dropping
// the old location's reference. A discarded block reads as zeroes.
func (v *VDO) Discard(lbn common.LBN) error {
	old, err := v.Read(lbn)
	if err != nil {
		return err
	}
	if !old.IsMapped() || old.PBN == common.ZeroBlock {
		return nil
	}
	loc := format.DataLocation{PBN: common.ZeroBlock, State: format.StateUncompressed}
	return v.store(lbn, old, loc, int(uint64(lbn))%v.cfg.PhysicalZones)
}

// store applies one mapping change in crash-safe order: journal the
// increment, confirm the new reference, update the block map, and only
// then journal and apply the decrement of the old location. A crash
// between the halves can leak the old block but never leaves the map
// pointing at a freed one.
func (v *VDO) store(lbn common.LBN, old, loc format.DataLocation, physZone int) error {
	page, slot := leafSlot(lbn)

	point, err := v.journalEntry(journal.Entry{
		Operation:    format.DataIncrement,
		PagePBN:      page,
		Slot:         slot,
		Mapping:      loc,
		PhysicalZone: physZone,
	})
	if err != nil {
		return err
	}
	if loc.PBN != common.ZeroBlock {
		if err := v.depotAdd(loc.PBN, format.DataIncrement, point); err != nil {
			return err
		}
	}
	if err := v.put(lbn, loc, point.SequenceNumber); err != nil {
		return err
	}

	if !old.IsMapped() || old.PBN == common.ZeroBlock {
		return nil
	}
	point, err = v.journalEntry(journal.Entry{
		Operation:    format.DataDecrement,
		PagePBN:      page,
		Slot:         slot,
		Mapping:      old,
		PhysicalZone: physZone,
	})
	if err != nil {
		return err
	}
	return v.depotAdd(old.PBN, format.DataDecrement, point)
}

func (v *VDO) allocateBlock(physZone int) (common.PBN, error) {
	type result struct {
		pbn common.PBN
		err error
	}
	ch := make(chan result, 1)
	v.depot.AllocateBlock(physZone, func(pbn common.PBN, err error) {
		ch <- result{pbn, err}
	})
	r := <-ch
	return r.pbn, r.err
}

// journalEntry appends one entry and waits for its block to be durable.
func (v *VDO) journalEntry(e journal.Entry) (common.JournalPoint, error) {
	type result struct {
		point common.JournalPoint
		err   error
	}
	ch := make(chan result, 1)
	v.journal.AddEntry(e, func(point common.JournalPoint, err error) {
		v.kickEra()
		ch <- result{point, err}
	})
	r := <-ch
	return r.point, r.err
}

func (v *VDO) depotAdd(pbn common.PBN, op format.Operation, point common.JournalPoint) error {
	ch := make(chan error, 1)
	v.depot.AddEntry(pbn, op, point, func(err error) { ch <- err })
	return <-ch
}

func (v *VDO) put(lbn common.LBN, loc format.DataLocation, seq common.SequenceNumber) error {
	ch := make(chan error, 1)
	v.blockMap.Put(lbn, loc, seq, func(err error) { ch <- err })
	return <-ch
}

// treePageAllocator provides referenced physical blocks for new block map
// tree pages: allocate, journal a block map increment, and confirm the
// reference, so the block stays referenced across a crash even before the
// page pointing at it is written.
type treePageAllocator struct {
	v *VDO
}

func (a *treePageAllocator) AllocateTreePage(zoneIndex int, done func(common.PBN, error)) {
	v := a.v
	physZone := zoneIndex % v.cfg.PhysicalZones
	v.depot.AllocateBlock(physZone, func(pbn common.PBN, err error) {
		if err != nil {
			done(0, err)
			return
		}
		v.journal.AddEntry(journal.Entry{
			Operation:    format.BlockMapIncrement,
			Mapping:      format.DataLocation{PBN: pbn, State: format.StateUncompressed},
			PhysicalZone: physZone,
		}, func(point common.JournalPoint, err error) {
			v.kickEra()
			if err != nil {
				v.depot.ReleaseProvisional(pbn)
				done(0, err)
				return
			}
			v.depot.AddEntry(pbn, format.BlockMapIncrement, point, func(err error) {
				done(pbn, err)
			})
		})
	})
}

// kickEra notes that the journal tail may have moved. Callable from any
// zone; the check itself runs on the action manager's initiator zone.
func (v *VDO) kickEra() {
	v.blockMap.Zone(0).EnqueueHigh(func() { v.scheduleEraAdvance() })
}

// scheduleEraAdvance ages the block map against the journal tail. It runs
// on the block map's first zone, both as the action manager's default
// action source and from kickEra, and reports whether it scheduled one.
func (v *VDO) scheduleEraAdvance() bool {
	era := v.journal.ActiveSequenceNumber()
	if era <= v.advancedEra {
		return false
	}
	v.advancedEra = era
	v.actions.Schedule(nil,
		func(zoneNumber int, done *zone.Completion) {
			v.blockMap.AdvanceZoneEra(zoneNumber, era)
			done.Complete(nil)
		},
		nil,
		zone.NewCompletion(v.blockMap.Zone(0), func(err error) {
			if err != nil {
				// Both action slots were busy; forget the progress so the
				// default action retries when the manager idles.
				v.advancedEra = 0
			}
		}))
	return true
}
