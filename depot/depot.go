package depot

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/journal"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// Config describes the depot's slice of the device and its tuning.
type Config struct {
	// FirstBlock is where slab 0 starts; LastBlock is one past the end of
	// the slab region.
	FirstBlock common.PBN
	LastBlock  common.PBN
	// SlabSize is the total blocks per slab, metadata included.
	SlabSize common.BlockCount
	// SlabJournalBlocks is the size of each slab's journal.
	SlabJournalBlocks common.BlockCount
	// SummaryOrigin is where the slab summary lives.
	SummaryOrigin common.PBN
	Nonce         common.Nonce
	PhysicalZones int

	// Slab journal thresholds, in blocks. Zero selects the defaults
	// derived from the journal size.
	FlushingThreshold  common.BlockCount
	BlockingThreshold  common.BlockCount
	ScrubbingThreshold common.BlockCount

	// PoolBuffers sizes the shared metadata write buffer pool.
	PoolBuffers int
}

func (c *Config) applyDefaults() {
	if c.PhysicalZones == 0 {
		c.PhysicalZones = 1
	}
	if c.FlushingThreshold == 0 {
		c.FlushingThreshold = c.SlabJournalBlocks * 5 / 7
	}
	if c.BlockingThreshold == 0 {
		c.BlockingThreshold = c.SlabJournalBlocks * 3 / 4
	}
	if c.ScrubbingThreshold == 0 {
		c.ScrubbingThreshold = c.SlabJournalBlocks - 1
	}
	if c.PoolBuffers == 0 {
		c.PoolBuffers = 8
	}
}

// slabGeometry splits a slab into data, refcount, and journal regions.
func slabGeometry(slabSize, journalBlocks common.BlockCount) (dataBlocks, refCountBlocks common.BlockCount) {
	refCountBlocks = format.RefCountBlockCount(slabSize - journalBlocks)
	dataBlocks = slabSize - journalBlocks - refCountBlocks
	return dataBlocks, refCountBlocks
}

// SlabDepot owns every slab and the shared machinery between them: the
// summary, the scrubber, the buffer pool, and the physical zones the
// slabs run on.
type SlabDepot struct {
	cfg      Config
	layer    storage.Layer
	notifier *admin.ReadOnlyNotifier
	recovery *journal.RecoveryJournal

	zones    []*zone.Zone
	pool     *storage.BufferPool
	summary  *SlabSummary
	scrubber *Scrubber

	slabs              []*Slab
	slabDataBlocks     common.BlockCount
	slabRefCountBlocks common.BlockCount
	slabJournalBlocks  common.BlockCount
	nonce              common.Nonce

	// allocCursor[zone] rotates allocation across the zone's slabs.
	allocCursor []int
}

// NewSlabDepot creates the depot and its zones. recovery may be nil when
// the depot runs without a recovery journal, as in unit tests.
func NewSlabDepot(cfg Config, layer storage.Layer, recovery *journal.RecoveryJournal,
	notifier *admin.ReadOnlyNotifier) (*SlabDepot, error) {
	cfg.applyDefaults()
	if cfg.SlabSize <= cfg.SlabJournalBlocks+1 {
		return nil, fmt.Errorf("slab size %d cannot hold a %d block journal",
			cfg.SlabSize, cfg.SlabJournalBlocks)
	}
	dataBlocks, refCountBlocks := slabGeometry(cfg.SlabSize, cfg.SlabJournalBlocks)
	slabCount := int((cfg.LastBlock - cfg.FirstBlock) / common.PBN(cfg.SlabSize))
	d := &SlabDepot{
		cfg:                cfg,
		layer:              layer,
		notifier:           notifier,
		recovery:           recovery,
		pool:               storage.NewBufferPool(cfg.PoolBuffers),
		slabDataBlocks:     dataBlocks,
		slabRefCountBlocks: refCountBlocks,
		slabJournalBlocks:  cfg.SlabJournalBlocks,
		nonce:              cfg.Nonce,
		allocCursor:        make([]int, cfg.PhysicalZones),
	}
	for i := 0; i < cfg.PhysicalZones; i++ {
		d.zones = append(d.zones, zone.New(fmt.Sprintf("physical%d", i)))
	}
	d.summary = NewSlabSummary(d.zones[0], layer, cfg.SummaryOrigin, slabCount, notifier)
	d.scrubber = newScrubber(d)
	for i := 0; i < slabCount; i++ {
		d.slabs = append(d.slabs, d.newSlab(i))
	}
	return d, nil
}

func (d *SlabDepot) newSlab(number int) *Slab {
	origin := d.cfg.FirstBlock + common.PBN(number)*common.PBN(d.cfg.SlabSize)
	s := &Slab{
		depot:          d,
		Number:         number,
		ZoneIndex:      number % d.cfg.PhysicalZones,
		Origin:         origin,
		End:            origin + common.PBN(d.slabDataBlocks),
		RefCountOrigin: origin + common.PBN(d.slabDataBlocks),
		JournalOrigin:  origin + common.PBN(d.slabDataBlocks+d.slabRefCountBlocks),
		state:          admin.NewState(admin.CodeNormal),
	}
	s.refCounts = newRefCounts(s, d.slabDataBlocks)
	s.journal = newSlabJournal(s, d.cfg.SlabJournalBlocks,
		d.cfg.FlushingThreshold, d.cfg.BlockingThreshold, d.cfg.ScrubbingThreshold)
	return s
}

// Slabs returns the slabs; the slice itself is immutable between grows.
func (d *SlabDepot) Slabs() []*Slab { return d.slabs }

// SlabForPBN returns the slab containing a data block.
func (d *SlabDepot) SlabForPBN(pbn common.PBN) (*Slab, error) {
	if pbn < d.cfg.FirstBlock || pbn >= d.cfg.LastBlock {
		return nil, fmt.Errorf("%w: pbn %d outside depot", common.ErrOutOfRange, pbn)
	}
	s := d.slabs[int((pbn-d.cfg.FirstBlock)/common.PBN(d.cfg.SlabSize))]
	if !s.ContainsPBN(pbn) {
		return nil, fmt.Errorf("%w: pbn %d is slab %d metadata", common.ErrOutOfRange, pbn, s.Number)
	}
	return s, nil
}

// Zone returns a physical zone by index.
func (d *SlabDepot) Zone(i int) *zone.Zone { return d.zones[i] }

// Scrubber returns the depot's scrubber.
func (d *SlabDepot) Scrubber() *Scrubber { return d.scrubber }

// Summary returns the slab summary.
func (d *SlabDepot) Summary() *SlabSummary { return d.summary }

// AllocateBlock finds a free block in one of zoneIndex's slabs and hands
// it to done provisionally referenced. Dirty slabs are only used when no
// clean slab has space, and the request then waits for the scrub. done
// runs on the zone.
func (d *SlabDepot) AllocateBlock(zoneIndex int, done func(common.PBN, error)) {
	d.zones[zoneIndex].Enqueue(func() { d.allocate(zoneIndex, done) })
}

func (d *SlabDepot) allocate(zoneIndex int, done func(common.PBN, error)) {
	if d.notifier.IsReadOnly() {
		done(0, d.notifier.Cause())
		return
	}
	mine := make([]*Slab, 0, len(d.slabs)/d.cfg.PhysicalZones+1)
	for _, s := range d.slabs {
		if s.ZoneIndex == zoneIndex {
			mine = append(mine, s)
		}
	}
	if len(mine) == 0 {
		done(0, fmt.Errorf("%w: no slabs in zone %d", common.ErrNoSpace, zoneIndex))
		return
	}
	cursor := d.allocCursor[zoneIndex]
	var dirty *Slab
	for i := 0; i < len(mine); i++ {
		s := mine[(cursor+i)%len(mine)]
		if s.Status() != SlabClean {
			if dirty == nil {
				dirty = s
			}
			continue
		}
		if s.FreeBlocks() > 0 {
			d.allocCursor[zoneIndex] = (cursor + i) % len(mine)
			s.Allocate(done)
			return
		}
	}
	if dirty != nil {
		// Allocation gates on the scrub; the scrubber bumps its priority.
		dirty.Allocate(done)
		return
	}
	done(0, fmt.Errorf("%w: zone %d is fully referenced", common.ErrNoSpace, zoneIndex))
}

// AddEntry routes a journaled reference adjustment to the owning slab's
// zone. done runs on that zone.
func (d *SlabDepot) AddEntry(pbn common.PBN, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	s, err := d.SlabForPBN(pbn)
	if err != nil {
		done(err)
		return
	}
	s.zone().Enqueue(func() { s.AddEntry(pbn, op, recoveryPoint, done) })
}

// Replay routes one recovery journal entry to the owning slab during crash
// recovery. done runs on the slab's zone.
func (d *SlabDepot) Replay(pbn common.PBN, op format.Operation,
	recoveryPoint common.JournalPoint, done func(error)) {
	s, err := d.SlabForPBN(pbn)
	if err != nil {
		done(err)
		return
	}
	s.zone().Enqueue(func() { s.Replay(pbn, op, recoveryPoint, done) })
}

// ScrubAll queues every slab not already queued for scrubbing. After an
// unclean shutdown no slab's counts can be trusted, even ones the summary
// calls clean; scrubbing a truly clean slab is a no-op.
func (d *SlabDepot) ScrubAll() {
	for _, s := range d.slabs {
		s := s
		s.zone().Enqueue(func() {
			if s.status == SlabClean {
				d.scrubber.register(s)
			}
		})
	}
}

// ReleaseProvisional drops an unconfirmed allocation from any zone.
func (d *SlabDepot) ReleaseProvisional(pbn common.PBN) {
	if s, err := d.SlabForPBN(pbn); err == nil {
		s.zone().Enqueue(func() { s.ReleaseProvisional(pbn) })
	}
}

func (d *SlabDepot) releaseRecoveryLock(seq common.SequenceNumber, zoneIndex int) {
	if d.recovery != nil {
		d.recovery.ReleaseLock(seq, common.ZoneTypePhysical, zoneIndex)
	}
}

// Load reads the summary and each slab's durable state. Slabs marked
// dirty are queued for scrubbing; allocation from them waits until the
// scrubber has rebuilt their counts.
func (d *SlabDepot) Load() error {
	if err := d.summary.Load(); err != nil {
		return err
	}
	for _, s := range d.slabs {
		entry := d.summary.Entry(s.Number)
		if entry.LoadRefCounts {
			if err := s.refCounts.Load(); err != nil {
				return err
			}
		}
		if entry.IsDirty {
			d.scrubber.register(s)
		}
	}
	return nil
}

// FreeBlocks sums free blocks over all slabs. Load-time only; zones must
// not be mutating counts.
func (d *SlabDepot) FreeBlocks() common.BlockCount {
	var total common.BlockCount
	for _, s := range d.slabs {
		total += s.refCounts.FreeBlocks()
	}
	return total
}

// RecordState captures the depot configuration for the superblock.
func (d *SlabDepot) RecordState() format.SlabDepotState {
	return format.SlabDepotState{
		FirstBlock:     uint64(d.cfg.FirstBlock),
		LastBlock:      uint64(d.cfg.LastBlock),
		SlabSize:       uint64(d.cfg.SlabSize),
		SlabCount:      uint64(len(d.slabs)),
		ZoneCount:      uint8(d.cfg.PhysicalZones),
		SummaryOrigin:  uint64(d.cfg.SummaryOrigin),
		JournalBlocks:  uint64(d.slabJournalBlocks),
		RefCountBlocks: uint64(d.slabRefCountBlocks),
	}
}

// Drain suspends or saves every slab, then the summary. done runs once
// everything has quiesced.
func (d *SlabDepot) Drain(op *admin.Code, done func(error)) {
	d.scrubber.Suspend(func(error) { d.drainSlabs(op, done) })
}

func (d *SlabDepot) drainSlabs(op *admin.Code, done func(error)) {
	remaining := len(d.slabs)
	if remaining == 0 {
		d.summary.Drain(op, done)
		return
	}
	var firstErr error
	finish := zone.NewCompletion(nil, func(err error) {
		d.summary.Drain(op, func(serr error) {
			if err == nil {
				err = serr
			}
			done(err)
		})
	})
	for _, s := range d.slabs {
		s := s
		s.zone().Enqueue(func() {
			s.Drain(op, func(err error) {
				d.zones[0].Enqueue(func() {
					if err != nil && firstErr == nil {
						firstErr = err
					}
					remaining--
					if remaining == 0 {
						finish.Complete(firstErr)
					}
				})
			})
		})
	}
}

// Resume returns every slab, the summary, and the scrubber to service.
func (d *SlabDepot) Resume(done func(error)) {
	remaining := len(d.slabs)
	var firstErr error
	finish := func() {
		d.summary.Resume(func(err error) {
			if firstErr == nil {
				firstErr = err
			}
			d.scrubber.Resume()
			done(firstErr)
		})
	}
	if remaining == 0 {
		finish()
		return
	}
	for _, s := range d.slabs {
		s := s
		s.zone().Enqueue(func() {
			err := s.Resume()
			d.zones[0].Enqueue(func() {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				remaining--
				if remaining == 0 {
					finish()
				}
			})
		})
	}
}

// Grow extends the depot with the slabs of a newly enlarged physical
// region. The new slabs must already be formatted.
func (d *SlabDepot) Grow(newLastBlock common.PBN) error {
	if newLastBlock < d.cfg.LastBlock {
		return fmt.Errorf("%w: cannot shrink depot to %d", common.ErrOutOfRange, newLastBlock)
	}
	oldCount := len(d.slabs)
	newCount := int((newLastBlock - d.cfg.FirstBlock) / common.PBN(d.cfg.SlabSize))
	d.cfg.LastBlock = newLastBlock
	for i := oldCount; i < newCount; i++ {
		d.slabs = append(d.slabs, d.newSlab(i))
	}
	d.summary.Grow(newCount)
	return nil
}

// Close stops the depot's zones.
func (d *SlabDepot) Close() {
	for _, z := range d.zones {
		z.Stop()
	}
}

// FormatSlabs writes the initial metadata for slabs [first, last): zeroed
// refcount blocks, a zeroed journal, and a clean summary region. Slabs
// are formatted in parallel.
func FormatSlabs(layer storage.Layer, cfg Config, first, last int) error {
	cfg.applyDefaults()
	dataBlocks, refCountBlocks := slabGeometry(cfg.SlabSize, cfg.SlabJournalBlocks)
	var g errgroup.Group
	g.SetLimit(8)
	for i := first; i < last; i++ {
		i := i
		g.Go(func() error {
			zero := make([]byte, common.BlockSize)
			origin := cfg.FirstBlock + common.PBN(i)*common.PBN(cfg.SlabSize)
			metaStart := origin + common.PBN(dataBlocks)
			metaBlocks := refCountBlocks + cfg.SlabJournalBlocks
			for b := common.BlockCount(0); b < metaBlocks; b++ {
				if err := storage.WriteSync(layer, metaStart+common.PBN(b), zero); err != nil {
					return fmt.Errorf("formatting slab %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if first > 0 {
		// Growing an existing depot; the live summary must survive.
		return nil
	}
	// A zeroed summary entry means clean, empty journal, counts not worth
	// loading: exactly a fresh slab.
	summaryBlocks := common.BlockCount((last+format.SummaryEntriesPerBlock-1)/format.SummaryEntriesPerBlock) + 1
	zero := make([]byte, common.BlockSize)
	for b := common.BlockCount(0); b < summaryBlocks; b++ {
		if err := storage.WriteSync(layer, cfg.SummaryOrigin+common.PBN(b), zero); err != nil {
			return fmt.Errorf("formatting slab summary: %w", err)
		}
	}
	return nil
}
