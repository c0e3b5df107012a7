// Package vdo assembles the crash-consistent metadata subsystem: the
// recovery journal, the slab depot, and the block map, wired together over
// one storage layer and a shared read-only notifier.
//
// The on-disk layout is fixed at format time: block 0 holds the super
// block, followed by the recovery journal, the slab summary reserve, the
// block map root pages, and the slab region filling the rest of the
// device.
//
// Every mapping change is journaled before any other metadata reflects
// it. A clean save drains everything and rewrites the super block; an
// unclean shutdown is repaired at the next Open by scrubbing every slab
// and replaying the journal entries the depot and block map may have
// lost.
package vdo

import (
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/blockmap"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/depot"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/journal"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// Config fixes the device geometry and tuning. Geometry fields are durable
// in the super block; the zone counts and tuning fields are per-load.
type Config struct {
	PhysicalBlocks common.BlockCount
	LogicalBlocks  common.BlockCount
	Nonce          common.Nonce

	JournalBlocks     common.BlockCount
	SlabSize          common.BlockCount
	SlabJournalBlocks common.BlockCount
	BlockMapRoots     int

	LogicalZones  int
	PhysicalZones int
	// MaximumAge is how many journal blocks a block map page may stay
	// dirty before an era advance forces it out.
	MaximumAge  common.SequenceNumber
	TailBuffers int
}

func (c *Config) applyDefaults() {
	if c.JournalBlocks == 0 {
		c.JournalBlocks = 32
	}
	if c.SlabSize == 0 {
		c.SlabSize = 256
	}
	if c.SlabJournalBlocks == 0 {
		c.SlabJournalBlocks = 8
	}
	if c.BlockMapRoots == 0 {
		c.BlockMapRoots = 1
	}
	if c.LogicalZones == 0 {
		c.LogicalZones = 1
	}
	if c.PhysicalZones == 0 {
		c.PhysicalZones = 1
	}
}

// layout places each component on the device. Everything is derivable from
// the super block, so only the super block records it.
type layout struct {
	journalOrigin common.PBN
	summaryOrigin common.PBN
	rootOrigin    common.PBN
	slabOrigin    common.PBN
	lastBlock     common.PBN
	slabCount     int
}

func computeLayout(cfg Config) (layout, error) {
	var l layout
	l.journalOrigin = 1
	l.summaryOrigin = l.journalOrigin + common.PBN(cfg.JournalBlocks)

	// The summary reserve is sized for the whole device turned into slabs,
	// so growing within the device never runs out of entries.
	maxSlabs := int(cfg.PhysicalBlocks / cfg.SlabSize)
	summaryBlocks := common.PBN(maxSlabs/format.SummaryEntriesPerBlock) + 2
	l.rootOrigin = l.summaryOrigin + summaryBlocks
	l.slabOrigin = l.rootOrigin + common.PBN(cfg.BlockMapRoots)

	if l.slabOrigin+common.PBN(cfg.SlabSize) > common.PBN(cfg.PhysicalBlocks) {
		return l, fmt.Errorf("%w: %d blocks cannot hold the fixed metadata and one %d block slab",
			common.ErrNoSpace, cfg.PhysicalBlocks, cfg.SlabSize)
	}
	l.slabCount = int((common.PBN(cfg.PhysicalBlocks) - l.slabOrigin) / common.PBN(cfg.SlabSize))
	l.lastBlock = l.slabOrigin + common.PBN(l.slabCount)*common.PBN(cfg.SlabSize)
	return l, nil
}

// VDO is the assembled metadata subsystem for one device.
type VDO struct {
	cfg    Config
	layout layout
	layer  storage.Layer

	notifier *admin.ReadOnlyNotifier
	journal  *journal.RecoveryJournal
	depot    *depot.SlabDepot
	blockMap *blockmap.BlockMap

	actions *zone.ActionManager
	// advancedEra is owned by the block map's first zone, the action
	// manager's initiator.
	advancedEra common.SequenceNumber

	// state is owned by the journal zone.
	state *admin.State

	physicalBlocks common.BlockCount
}

func newVDO(cfg Config, l layout, layer storage.Layer) (*VDO, error) {
	v := &VDO{
		cfg:            cfg,
		layout:         l,
		layer:          layer,
		notifier:       admin.NewReadOnlyNotifier(),
		state:          admin.NewState(admin.CodeNew),
		physicalBlocks: cfg.PhysicalBlocks,
	}
	jz := zone.New("journal")
	v.journal = journal.NewRecoveryJournal(v.journalConfig(), layer, jz, v.notifier)

	d, err := depot.NewSlabDepot(v.depotConfig(), layer, v.journal, v.notifier)
	if err != nil {
		jz.Stop()
		return nil, err
	}
	v.depot = d

	v.blockMap = blockmap.NewBlockMap(blockmap.Config{
		RootOrigin:    l.rootOrigin,
		RootCount:     cfg.BlockMapRoots,
		LogicalBlocks: cfg.LogicalBlocks,
		Nonce:         cfg.Nonce,
		LogicalZones:  cfg.LogicalZones,
		MaximumAge:    cfg.MaximumAge,
	}, layer, v.journal, &treePageAllocator{v}, v.notifier)

	bmZones := make([]*zone.Zone, v.blockMap.ZoneCount())
	for i := range bmZones {
		bmZones[i] = v.blockMap.Zone(i)
	}
	v.actions = zone.NewActionManager(bmZones, bmZones[0])
	v.actions.SetDefaultScheduler(v.scheduleEraAdvance)
	return v, nil
}

func (v *VDO) journalConfig() journal.Config {
	return journal.Config{
		Origin:        v.layout.journalOrigin,
		Size:          v.cfg.JournalBlocks,
		Nonce:         v.cfg.Nonce,
		LogicalZones:  v.cfg.LogicalZones,
		PhysicalZones: v.cfg.PhysicalZones,
		TailBuffers:   v.cfg.TailBuffers,
	}
}

func (v *VDO) depotConfig() depot.Config {
	return depot.Config{
		FirstBlock:        v.layout.slabOrigin,
		LastBlock:         v.layout.lastBlock,
		SlabSize:          v.cfg.SlabSize,
		SlabJournalBlocks: v.cfg.SlabJournalBlocks,
		SummaryOrigin:     v.layout.summaryOrigin,
		Nonce:             v.cfg.Nonce,
		PhysicalZones:     v.cfg.PhysicalZones,
	}
}

// Journal returns the recovery journal.
func (v *VDO) Journal() *journal.RecoveryJournal { return v.journal }

// Depot returns the slab depot.
func (v *VDO) Depot() *depot.SlabDepot { return v.depot }

// BlockMap returns the block map.
func (v *VDO) BlockMap() *blockmap.BlockMap { return v.blockMap }

// ReadOnlyNotifier returns the shared read-only notifier.
func (v *VDO) ReadOnlyNotifier() *admin.ReadOnlyNotifier { return v.notifier }

// LogicalBlocks returns the current logical size.
func (v *VDO) LogicalBlocks() common.BlockCount { return v.blockMap.LogicalBlocks() }

// Close stops every zone without saving. Call Save first for a clean next
// load.
func (v *VDO) Close() {
	v.blockMap.Close()
	v.depot.Close()
	v.journal.Zone().Stop()
}

// Format writes a fresh, empty device: a zeroed journal, formatted slabs
// and summary, empty block map roots, and the super block describing them.
func Format(layer storage.Layer, cfg Config) error {
	cfg.applyDefaults()
	if cfg.PhysicalBlocks == 0 {
		cfg.PhysicalBlocks = layer.BlockCount()
	}
	l, err := computeLayout(cfg)
	if err != nil {
		return err
	}

	if err := journal.Format(layer, journal.Config{
		Origin: l.journalOrigin,
		Size:   cfg.JournalBlocks,
		Nonce:  cfg.Nonce,
	}); err != nil {
		return err
	}
	if err := depot.FormatSlabs(layer, depot.Config{
		FirstBlock:        l.slabOrigin,
		LastBlock:         l.lastBlock,
		SlabSize:          cfg.SlabSize,
		SlabJournalBlocks: cfg.SlabJournalBlocks,
		SummaryOrigin:     l.summaryOrigin,
		Nonce:             cfg.Nonce,
	}, 0, l.slabCount); err != nil {
		return err
	}
	if err := blockmap.Format(layer, blockmap.Config{
		RootOrigin: l.rootOrigin,
		RootCount:  cfg.BlockMapRoots,
		Nonce:      cfg.Nonce,
	}); err != nil {
		return err
	}

	refCountBlocks := format.RefCountBlockCount(cfg.SlabSize - cfg.SlabJournalBlocks)
	sb := format.SuperBlockState{
		Nonce:          cfg.Nonce,
		LogicalBlocks:  cfg.LogicalBlocks,
		PhysicalBlocks: cfg.PhysicalBlocks,
		Journal:        format.RecoveryJournalState{JournalStart: 1},
		Depot: format.SlabDepotState{
			FirstBlock:     uint64(l.slabOrigin),
			LastBlock:      uint64(l.lastBlock),
			SlabSize:       uint64(cfg.SlabSize),
			SlabCount:      uint64(l.slabCount),
			ZoneCount:      uint8(cfg.PhysicalZones),
			SummaryOrigin:  uint64(l.summaryOrigin),
			JournalBlocks:  uint64(cfg.SlabJournalBlocks),
			RefCountBlocks: uint64(refCountBlocks),
		},
		BlockMap: format.BlockMapState{
			RootOrigin: uint64(l.rootOrigin),
			RootCount:  uint64(cfg.BlockMapRoots),
		},
	}
	return storage.WriteSync(layer, 0, format.EncodeSuperBlock(sb))
}

// Options tunes a load without changing the on-disk format. Zero values
// fall back to the super block's recorded zone count and the defaults.
type Options struct {
	LogicalZones  int
	PhysicalZones int
	MaximumAge    common.SequenceNumber
	TailBuffers   int
}

// Open loads the device described by its super block. If the last shutdown
// was not a clean save, the recovery journal is replayed first; the device
// is saved again before Open returns, so a second crash repeats nothing.
func Open(layer storage.Layer, opts Options) (*VDO, error) {
	buf := make([]byte, common.BlockSize)
	if err := storage.ReadSync(layer, 0, buf); err != nil {
		return nil, fmt.Errorf("reading super block: %w", err)
	}
	sb, err := format.DecodeSuperBlock(buf)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		PhysicalBlocks:    sb.PhysicalBlocks,
		LogicalBlocks:     sb.LogicalBlocks,
		Nonce:             sb.Nonce,
		JournalBlocks:     common.BlockCount(sb.Depot.SummaryOrigin) - 1,
		SlabSize:          common.BlockCount(sb.Depot.SlabSize),
		SlabJournalBlocks: common.BlockCount(sb.Depot.JournalBlocks),
		BlockMapRoots:     int(sb.BlockMap.RootCount),
		LogicalZones:      opts.LogicalZones,
		PhysicalZones:     opts.PhysicalZones,
		MaximumAge:        opts.MaximumAge,
		TailBuffers:       opts.TailBuffers,
	}
	if cfg.PhysicalZones == 0 {
		cfg.PhysicalZones = int(sb.Depot.ZoneCount)
	}
	cfg.applyDefaults()

	l := layout{
		journalOrigin: 1,
		summaryOrigin: common.PBN(sb.Depot.SummaryOrigin),
		rootOrigin:    common.PBN(sb.BlockMap.RootOrigin),
		slabOrigin:    common.PBN(sb.Depot.FirstBlock),
		lastBlock:     common.PBN(sb.Depot.LastBlock),
		slabCount:     int(sb.Depot.SlabCount),
	}
	v, err := newVDO(cfg, l, layer)
	if err != nil {
		return nil, err
	}

	scan, err := journal.Scan(layer, v.journalConfig())
	if err != nil {
		v.Close()
		return nil, err
	}

	if scan.Tail <= common.SequenceNumber(sb.Journal.JournalStart) {
		// Clean shutdown: nothing in the journal postdates the save.
		if err := v.loadClean(sb); err != nil {
			v.Close()
			return nil, err
		}
	} else if err := v.recover(sb, scan); err != nil {
		v.Close()
		return nil, err
	}
	v.kickEra()
	return v, nil
}

func (v *VDO) loadClean(sb format.SuperBlockState) error {
	if err := v.journal.Open(sb.Journal); err != nil {
		return err
	}
	if err := v.depot.Load(); err != nil {
		return err
	}
	if err := v.waitForScrub(); err != nil {
		return err
	}
	return v.finishLoad()
}

func (v *VDO) waitForScrub() error {
	errCh := make(chan error, 1)
	v.depot.Scrubber().WaitForClean(func(err error) { errCh <- err })
	return <-errCh
}

// startOperation begins a one-shot administrative operation. The state is
// owned by the journal zone, so the request hops there.
func (v *VDO) startOperation(op *admin.Code) error {
	errCh := make(chan error, 1)
	v.journal.Zone().Enqueue(func() { errCh <- v.state.StartOperation(op) })
	return <-errCh
}

func (v *VDO) finishOperation(result error) {
	done := make(chan struct{})
	v.journal.Zone().Enqueue(func() {
		v.state.Finish(result)
		close(done)
	})
	<-done
}

func (v *VDO) finishLoad() error {
	if err := v.startOperation(admin.CodeLoading); err != nil {
		return err
	}
	v.finishOperation(nil)
	return nil
}

func (v *VDO) writeSuperBlock() error {
	sb := format.SuperBlockState{
		Nonce:          v.cfg.Nonce,
		LogicalBlocks:  v.blockMap.LogicalBlocks(),
		PhysicalBlocks: v.physicalBlocks,
		Journal:        v.journal.RecordState(),
		Depot:          v.depot.RecordState(),
		BlockMap:       v.blockMap.RecordState(),
	}
	return storage.WriteSync(v.layer, 0, format.EncodeSuperBlock(sb))
}
