package vdo

import (
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/depot"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
)

// Suspend drains every component and leaves the device quiescent. Data
// operations are rejected until Resume. A conflicting administrative
// operation already in progress fails this one and is left undisturbed.
func (v *VDO) Suspend() error {
	return v.drainAll(admin.CodeSuspending)
}

// Save drains every component and rewrites the super block, so the next
// Open needs no recovery.
func (v *VDO) Save() error {
	if err := v.drainAll(admin.CodeSaving); err != nil {
		return err
	}
	if v.notifier.IsReadOnly() {
		// Nothing durable may change anymore; the journal on disk stays
		// authoritative for the next load.
		return v.notifier.Cause()
	}
	return v.writeSuperBlock()
}

// drainAll quiesces the journal, then the block map, then the depot. The
// journal goes first so no new entries arrive while the others flush; the
// block map before the depot so its page writes can still release journal
// locks through live depot zones.
func (v *VDO) drainAll(op *admin.Code) error {
	errCh := make(chan error, 1)
	jz := v.journal.Zone()
	jz.Enqueue(func() {
		if v.state.StartDraining(op, func(err error) { errCh <- err }) != nil {
			return
		}
		v.journal.Drain(op, func(jerr error) {
			v.blockMap.Drain(op, func(berr error) {
				v.depot.Drain(op, func(derr error) {
					err := jerr
					if err == nil {
						err = berr
					}
					if err == nil {
						err = derr
					}
					jz.Enqueue(func() { v.state.Finish(err) })
				})
			})
		})
	})
	return <-errCh
}

// Resume returns a suspended or saved device to normal operation.
func (v *VDO) Resume() error {
	errCh := make(chan error, 1)
	jz := v.journal.Zone()
	jz.Enqueue(func() {
		if v.state.StartDraining(admin.CodeResuming, func(err error) { errCh <- err }) != nil {
			return
		}
		v.journal.Resume(func(jerr error) {
			v.blockMap.Resume(func(berr error) {
				v.depot.Resume(func(derr error) {
					err := jerr
					if err == nil {
						err = berr
					}
					if err == nil {
						err = derr
					}
					jz.Enqueue(func() { v.state.Finish(err) })
				})
			})
		})
	})
	err := <-errCh
	if err == nil {
		v.kickEra()
	}
	return err
}

// GrowLogical extends the logical address space. Online; the block map
// grows into the new region on demand and nothing is written eagerly.
func (v *VDO) GrowLogical(logicalBlocks common.BlockCount) error {
	return v.blockMap.GrowLogical(logicalBlocks)
}

// GrowPhysical extends the physical space to a newly enlarged device:
// format the added slabs, suspend, adopt them, resume. The super block is
// rewritten at the next save.
func (v *VDO) GrowPhysical(physicalBlocks common.BlockCount) error {
	if physicalBlocks < v.physicalBlocks {
		return fmt.Errorf("%w: cannot shrink physical size to %d",
			common.ErrOutOfRange, physicalBlocks)
	}
	oldCount := v.layout.slabCount
	newCount := int((common.PBN(physicalBlocks) - v.layout.slabOrigin) / common.PBN(v.cfg.SlabSize))
	if newCount <= oldCount {
		v.physicalBlocks = physicalBlocks
		return nil
	}

	needed := common.PBN((newCount+format.SummaryEntriesPerBlock-1)/format.SummaryEntriesPerBlock) + 1
	if needed > v.layout.rootOrigin-v.layout.summaryOrigin {
		return fmt.Errorf("%w: summary reserve cannot describe %d slabs",
			common.ErrOutOfRange, newCount)
	}

	newLast := v.layout.slabOrigin + common.PBN(newCount)*common.PBN(v.cfg.SlabSize)
	dcfg := v.depotConfig()
	dcfg.LastBlock = newLast
	if err := depot.FormatSlabs(v.layer, dcfg, oldCount, newCount); err != nil {
		return err
	}
	// Summary blocks beyond the originally formatted ones must read as
	// clean, empty entries.
	formatted := common.PBN((oldCount+format.SummaryEntriesPerBlock-1)/format.SummaryEntriesPerBlock) + 1
	zero := make([]byte, common.BlockSize)
	for b := formatted; b < needed; b++ {
		if err := storage.WriteSync(v.layer, v.layout.summaryOrigin+b, zero); err != nil {
			return err
		}
	}

	if err := v.Suspend(); err != nil {
		return err
	}
	if err := v.depot.Grow(newLast); err != nil {
		return err
	}
	v.layout.slabCount = newCount
	v.layout.lastBlock = newLast
	v.physicalBlocks = physicalBlocks
	return v.Resume()
}
