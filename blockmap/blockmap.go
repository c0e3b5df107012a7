// Package blockmap implements the logical-to-physical mapping: a fixed
// height radix tree of 4K pages, dirtied in place and flushed by era as
// the recovery journal advances. Interior pages are allocated only when a
// write first needs them.
package blockmap

import (
	"fmt"
	"sync/atomic"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// Journal is the slice of the recovery journal the block map depends on:
// the era source and the per-block interest locks that gate reaping. A
// dirty page holds a logical-zone lock on the journal block of its oldest
// unwritten change; the lock is released when the page write completes.
type Journal interface {
	ActiveSequenceNumber() common.SequenceNumber
	AcquireLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int)
	ReleaseLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int)
}

// Allocator provides referenced physical blocks for new tree pages. The
// implementation is expected to journal a block map increment before
// handing the block over, so the reference survives a crash.
type Allocator interface {
	AllocateTreePage(zoneIndex int, done func(common.PBN, error))
}

// Config describes the block map's geometry and tuning.
type Config struct {
	// RootOrigin is the PBN of the first root page; the roots occupy
	// RootCount consecutive blocks.
	RootOrigin common.PBN
	RootCount  int
	// LogicalBlocks bounds the addressable logical space.
	LogicalBlocks common.BlockCount
	Nonce         common.Nonce
	LogicalZones  int
	// MaximumAge is how many eras a page may stay dirty before an era
	// advance forces it out.
	MaximumAge  common.SequenceNumber
	PoolBuffers int
}

func (c *Config) applyDefaults() {
	if c.RootCount == 0 {
		c.RootCount = 1
	}
	if c.LogicalZones == 0 {
		c.LogicalZones = 1
	}
	if c.MaximumAge == 0 {
		c.MaximumAge = 16
	}
	if c.PoolBuffers == 0 {
		c.PoolBuffers = 8
	}
}

// BlockMap is the logical address space. Each radix tree is owned by one
// logical zone; lookups and stores run on the owning zone and call back
// there.
type BlockMap struct {
	cfg       Config
	layer     storage.Layer
	notifier  *admin.ReadOnlyNotifier
	journal   Journal
	allocator Allocator
	pool      *storage.BufferPool

	zones         []*bmZone
	logicalBlocks atomic.Uint64
}

// NewBlockMap creates the block map and its logical zones. journal and
// allocator may be nil for tests that never allocate interior pages or
// hold journal locks.
func NewBlockMap(cfg Config, layer storage.Layer, journal Journal, allocator Allocator,
	notifier *admin.ReadOnlyNotifier) *BlockMap {
	cfg.applyDefaults()
	bm := &BlockMap{
		cfg:       cfg,
		layer:     layer,
		notifier:  notifier,
		journal:   journal,
		allocator: allocator,
		pool:      storage.NewBufferPool(cfg.PoolBuffers),
	}
	bm.logicalBlocks.Store(uint64(cfg.LogicalBlocks))
	for i := 0; i < cfg.LogicalZones; i++ {
		bm.zones = append(bm.zones, newBMZone(bm, i))
	}
	return bm
}

// ZoneCount returns the number of logical zones.
func (bm *BlockMap) ZoneCount() int { return len(bm.zones) }

// Zone returns a logical zone's execution context by index.
func (bm *BlockMap) Zone(i int) *zone.Zone { return bm.zones[i].z }

func (bm *BlockMap) zoneFor(tree int) *bmZone {
	return bm.zones[tree%len(bm.zones)]
}

func (bm *BlockMap) checkBounds(lbn common.LBN) error {
	if uint64(lbn) >= bm.logicalBlocks.Load() {
		return fmt.Errorf("%w: lbn %d beyond logical size %d",
			common.ErrOutOfRange, lbn, bm.logicalBlocks.Load())
	}
	return nil
}

// Get looks up the mapping for one logical block. Unmapped regions,
// including those whose tree pages were never allocated, return an
// unmapped location. done runs on the owning logical zone. Lookups are
// still served in read-only mode as long as the needed pages load.
func (bm *BlockMap) Get(lbn common.LBN, done func(format.DataLocation, error)) {
	if err := bm.checkBounds(lbn); err != nil {
		done(format.DataLocation{}, err)
		return
	}
	tree, path, slot := treePath(lbn, bm.cfg.RootCount)
	z := bm.zoneFor(tree)
	z.z.Enqueue(func() {
		if z.state.IsQuiescent() {
			done(format.DataLocation{}, fmt.Errorf("%w: block map zone %d is %s",
				common.ErrInvalidAdminState, z.index, z.state.Code()))
			return
		}
		z.resolve(tree, path, false, 0, func(leaf *page, err error) {
			if err != nil || leaf == nil {
				done(format.DataLocation{}, err)
				return
			}
			done(format.UnpackBlockMapEntry(format.PageEntry(leaf.buf, slot)), nil)
		})
	})
}

// Put stores the mapping for one logical block. seq is the recovery
// journal sequence number of the entry that caused the change; the leaf
// page (and any interior page dirtied on the way down) holds a logical
// lock on that journal block until written. done runs on the owning zone.
func (bm *BlockMap) Put(lbn common.LBN, loc format.DataLocation,
	seq common.SequenceNumber, done func(error)) {
	if err := bm.checkBounds(lbn); err != nil {
		done(err)
		return
	}
	tree, path, slot := treePath(lbn, bm.cfg.RootCount)
	z := bm.zoneFor(tree)
	z.z.Enqueue(func() {
		if bm.notifier.IsReadOnly() {
			done(bm.notifier.Cause())
			return
		}
		if !z.state.IsNormal() {
			done(fmt.Errorf("%w: block map zone %d is %s",
				common.ErrInvalidAdminState, z.index, z.state.Code()))
			return
		}
		z.resolve(tree, path, true, seq, func(leaf *page, err error) {
			if err != nil {
				done(err)
				return
			}
			format.PackBlockMapEntry(format.PageEntry(leaf.buf, slot), loc)
			z.dirtyPage(leaf, seq)
			done(nil)
		})
	})
}

// AdvanceZoneEra ages one zone's dirty pages against the new era, writing
// out everything dirtied more than MaximumAge eras ago. It must run on the
// zone, typically as an action manager zone action.
func (bm *BlockMap) AdvanceZoneEra(zoneIndex int, era common.SequenceNumber) {
	bm.zones[zoneIndex].advanceEra(era)
}

// AdvanceEra ages every zone from any goroutine.
func (bm *BlockMap) AdvanceEra(era common.SequenceNumber) {
	for _, z := range bm.zones {
		z := z
		z.z.Enqueue(func() { z.advanceEra(era) })
	}
}

// GrowLogical raises the addressable logical space. The tree grows into
// the new region on demand; nothing is written eagerly.
func (bm *BlockMap) GrowLogical(logicalBlocks common.BlockCount) error {
	if uint64(logicalBlocks) < bm.logicalBlocks.Load() {
		return fmt.Errorf("%w: cannot shrink logical space to %d",
			common.ErrOutOfRange, logicalBlocks)
	}
	bm.logicalBlocks.Store(uint64(logicalBlocks))
	return nil
}

// LogicalBlocks returns the current addressable logical size.
func (bm *BlockMap) LogicalBlocks() common.BlockCount {
	return common.BlockCount(bm.logicalBlocks.Load())
}

// RecordState captures the durable configuration for the superblock.
func (bm *BlockMap) RecordState() format.BlockMapState {
	return format.BlockMapState{
		RootOrigin: uint64(bm.cfg.RootOrigin),
		RootCount:  uint64(bm.cfg.RootCount),
	}
}

// Drain flushes every dirty page in every zone and calls done once no
// write is outstanding, including writes triggered while draining.
func (bm *BlockMap) Drain(op *admin.Code, done func(error)) {
	remaining := len(bm.zones)
	var firstErr error
	agg := bm.zones[0]
	for _, z := range bm.zones {
		z := z
		z.z.Enqueue(func() {
			z.drain(op, func(err error) {
				agg.z.Enqueue(func() {
					if err != nil && firstErr == nil {
						firstErr = err
					}
					remaining--
					if remaining == 0 {
						done(firstErr)
					}
				})
			})
		})
	}
}

// Resume returns every zone to normal operation.
func (bm *BlockMap) Resume(done func(error)) {
	remaining := len(bm.zones)
	var firstErr error
	agg := bm.zones[0]
	for _, z := range bm.zones {
		z := z
		z.z.Enqueue(func() {
			err := z.resume()
			agg.z.Enqueue(func() {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				remaining--
				if remaining == 0 {
					done(firstErr)
				}
			})
		})
	}
}

// Close stops the zones.
func (bm *BlockMap) Close() {
	for _, z := range bm.zones {
		z.z.Stop()
	}
}

// Format writes initialized, empty root pages for every tree.
func Format(layer storage.Layer, cfg Config) error {
	cfg.applyDefaults()
	buf := make([]byte, common.BlockSize)
	for i := 0; i < cfg.RootCount; i++ {
		pbn := cfg.RootOrigin + common.PBN(i)
		format.FormatBlockMapPage(buf, cfg.Nonce, pbn, true)
		if err := storage.WriteSync(layer, pbn, buf); err != nil {
			return fmt.Errorf("formatting block map root %d: %w", i, err)
		}
	}
	return nil
}
