package blockmap

import (
	"fmt"
	"log"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// pageKey names one tree page: which tree, which level (0 is the leaf
// level), and the page's index within its level.
type pageKey struct {
	tree  int
	level int
	index uint64
}

// page is one cached tree page. All fields are owned by the page's zone.
type page struct {
	key pageKey
	pbn common.PBN
	buf []byte

	loaded  bool
	loading bool
	// waiters are resolutions paused on the in-flight load.
	waiters common.WaitQueue[func(*page, error)]

	dirty   bool
	writing bool
	// generation is the write generation active when the page was last
	// dirtied; flushes cover generations up to their snapshot and leave
	// later dirtiers for the next pass.
	generation uint8
	// recoveryLock is the journal block of the oldest unwritten change;
	// writingLock is the lock carried by the in-flight write.
	recoveryLock common.SequenceNumber
	writingLock  common.SequenceNumber
}

// eraBucket collects the pages first dirtied during one era.
type eraBucket struct {
	era   common.SequenceNumber
	pages []*page
}

// bmZone is one logical zone's share of the block map: the trees assigned
// to it, their cached pages, and the era/generation flush machinery.
type bmZone struct {
	bm    *BlockMap
	index int
	z     *zone.Zone
	state *admin.State

	pages map[pageKey]*page
	// allocating tracks tree pages with an allocation in flight; later
	// writers to the same subtree queue rather than double-allocating.
	allocating map[pageKey][]func()

	era   common.SequenceNumber
	dirty []eraBucket

	generation       uint8
	oldestGeneration uint8
	dirtyCounts      [256]int
	writing          int
}

func newBMZone(bm *BlockMap, index int) *bmZone {
	return &bmZone{
		bm:         bm,
		index:      index,
		z:          zone.New(fmt.Sprintf("logical%d", index)),
		state:      admin.NewState(admin.CodeNormal),
		pages:      make(map[pageKey]*page),
		allocating: make(map[pageKey][]func()),
	}
}

func (z *bmZone) pageFor(key pageKey, pbn common.PBN) *page {
	if p, ok := z.pages[key]; ok {
		return p
	}
	p := &page{key: key, pbn: pbn, buf: make([]byte, common.BlockSize)}
	z.pages[key] = p
	return p
}

// dirtyPage records a change to p, stamping it with the zone's current
// era and write generation and pinning the causing journal block. A page
// already dirty keeps its original era and lock, so the journal head can
// never pass its oldest unwritten change.
func (z *bmZone) dirtyPage(p *page, seq common.SequenceNumber) {
	if seq != 0 && p.recoveryLock == 0 {
		p.recoveryLock = seq
		if z.bm.journal != nil {
			z.bm.journal.AcquireLock(seq, common.ZoneTypeLogical, z.index)
		}
	}
	if p.dirty {
		return
	}
	p.dirty = true
	p.generation = z.generation
	z.dirtyCounts[z.generation]++
	z.bucketPage(p)
}

func (z *bmZone) bucketPage(p *page) {
	if n := len(z.dirty); n > 0 && z.dirty[n-1].era == z.era {
		z.dirty[n-1].pages = append(z.dirty[n-1].pages, p)
	} else {
		z.dirty = append(z.dirty, eraBucket{era: z.era, pages: []*page{p}})
	}
}

// advanceEra moves the zone to a new era and writes out every page whose
// era has aged past MaximumAge, oldest first.
func (z *bmZone) advanceEra(era common.SequenceNumber) {
	if era > z.era {
		z.era = era
	}
	for len(z.dirty) > 0 && z.dirty[0].era+z.bm.cfg.MaximumAge <= z.era {
		bucket := z.dirty[0]
		z.dirty = z.dirty[1:]
		z.flushPages(bucket.pages)
	}
}

// flushPages writes the still-dirty pages of one batch. The generation
// advances first, so a page dirtied while the batch is being written falls
// outside the covered range and waits for the next flush.
func (z *bmZone) flushPages(pages []*page) {
	flushGen := z.generation
	z.generation++
	for _, p := range pages {
		if !p.dirty {
			continue
		}
		if p.writing {
			// Redirtied behind an in-flight write; keep tracking it in
			// the current era so the next flush picks it up.
			z.bucketPage(p)
			continue
		}
		if common.InCyclicRange(z.oldestGeneration, p.generation, flushGen, 256) {
			z.writePage(p)
		}
	}
}

func (z *bmZone) writePage(p *page) {
	p.writing = true
	p.dirty = false
	z.dirtyCounts[p.generation]--
	z.advanceOldestGeneration()
	p.writingLock = p.recoveryLock
	p.recoveryLock = 0
	z.writing++
	z.bm.pool.Acquire(func(buf []byte) {
		z.z.EnqueueHigh(func() {
			copy(buf, p.buf)
			z.bm.layer.Submit(&storage.Request{
				PBN:    p.pbn,
				Buffer: buf,
				Op:     storage.OpWrite,
				Flush:  true,
				Done: zone.NewCompletion(z.z, func(err error) {
					z.bm.pool.Release(buf)
					z.writeDone(p, err)
				}),
			})
		})
	})
}

func (z *bmZone) advanceOldestGeneration() {
	for z.oldestGeneration != z.generation && z.dirtyCounts[z.oldestGeneration] == 0 {
		z.oldestGeneration++
	}
}

func (z *bmZone) writeDone(p *page, err error) {
	z.writing--
	p.writing = false
	lock := p.writingLock
	p.writingLock = 0
	if lock != 0 && z.bm.journal != nil {
		z.bm.journal.ReleaseLock(lock, common.ZoneTypeLogical, z.index)
	}
	if err != nil {
		log.Printf("block map zone %d: write of page %v failed: %v", z.index, p.key, err)
		z.bm.notifier.EnterReadOnly(err)
	} else if p.dirty && z.state.IsDraining() {
		// Redirtied while the drain's write was in flight; the drain is
		// not complete until the newer contents are down too.
		z.writePage(p)
		return
	}
	z.checkDrainComplete()
}

func (z *bmZone) anyDirty() bool {
	for _, p := range z.pages {
		if p.dirty || p.writing {
			return true
		}
	}
	return false
}

func (z *bmZone) flushAll() {
	z.dirty = nil
	z.generation++
	for _, p := range z.pages {
		if p.dirty && !p.writing {
			z.writePage(p)
		}
	}
}

func (z *bmZone) drain(op *admin.Code, done func(error)) {
	if z.state.StartDraining(op, done) != nil {
		return
	}
	z.flushAll()
	z.checkDrainComplete()
}

func (z *bmZone) checkDrainComplete() {
	if !z.state.IsDraining() || z.writing > 0 || z.anyDirty() {
		return
	}
	z.state.Finish(nil)
}

func (z *bmZone) resume() error {
	if err := z.state.StartOperation(admin.CodeResuming); err != nil {
		return err
	}
	z.state.Finish(nil)
	return nil
}
