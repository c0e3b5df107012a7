package blockmap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/admin"
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
)

const testNonce common.Nonce = 0xabc

var errTestMedia = errors.New("injected media error")

func testConfig() Config {
	return Config{
		RootOrigin:    1,
		RootCount:     1,
		LogicalBlocks: format.BlockMapEntriesPerPage * 10,
		Nonce:         testNonce,
		MaximumAge:    2,
	}
}

// seqAllocator hands out consecutive physical blocks.
type seqAllocator struct {
	mu    sync.Mutex
	next  common.PBN
	count int
}

func (a *seqAllocator) AllocateTreePage(zoneIndex int, done func(common.PBN, error)) {
	a.mu.Lock()
	pbn := a.next
	a.next++
	a.count++
	a.mu.Unlock()
	done(pbn, nil)
}

func (a *seqAllocator) allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// gateAllocator defers each allocation until the test releases it.
type gateAllocator struct {
	mu      sync.Mutex
	next    common.PBN
	count   int
	pending []func()
}

func (a *gateAllocator) AllocateTreePage(zoneIndex int, done func(common.PBN, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pbn := a.next
	a.next++
	a.count++
	a.pending = append(a.pending, func() { done(pbn, nil) })
}

func (a *gateAllocator) releaseOne() bool {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return false
	}
	release := a.pending[0]
	a.pending = a.pending[1:]
	a.mu.Unlock()
	release()
	return true
}

// recordingJournal counts logical-zone lock traffic.
type recordingJournal struct {
	mu       sync.Mutex
	acquired []common.SequenceNumber
	released []common.SequenceNumber
}

func (j *recordingJournal) ActiveSequenceNumber() common.SequenceNumber { return 0 }

func (j *recordingJournal) AcquireLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.acquired = append(j.acquired, seq)
}

func (j *recordingJournal) ReleaseLock(seq common.SequenceNumber, zt common.ZoneType, zoneIdx int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.released = append(j.released, seq)
}

func (j *recordingJournal) acquireCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.acquired)
}

func (j *recordingJournal) releaseCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.released)
}

// gateLayer holds all writes until released, for drain-race tests.
type gateLayer struct {
	under storage.Layer

	mu   sync.Mutex
	held []*storage.Request
	open bool
}

func (g *gateLayer) Submit(req *storage.Request) {
	g.mu.Lock()
	if !g.open && req.Op == storage.OpWrite {
		g.held = append(g.held, req)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.under.Submit(req)
}

func (g *gateLayer) releaseAll() {
	g.mu.Lock()
	held := g.held
	g.held = nil
	g.open = true
	g.mu.Unlock()
	for _, req := range held {
		g.under.Submit(req)
	}
}

func (g *gateLayer) BlockCount() common.BlockCount { return g.under.BlockCount() }
func (g *gateLayer) Close() error                  { return g.under.Close() }

func putWait(bm *BlockMap, lbn common.LBN, loc format.DataLocation, seq common.SequenceNumber) error {
	ch := make(chan error, 1)
	bm.Put(lbn, loc, seq, func(err error) { ch <- err })
	return <-ch
}

func getWait(bm *BlockMap, lbn common.LBN) (format.DataLocation, error) {
	type result struct {
		loc format.DataLocation
		err error
	}
	ch := make(chan result, 1)
	bm.Get(lbn, func(loc format.DataLocation, err error) { ch <- result{loc, err} })
	r := <-ch
	return r.loc, r.err
}

func TestGetUnmappedAndOutOfRange(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	bm := NewBlockMap(testConfig(), layer, nil, nil, admin.NewReadOnlyNotifier())
	defer bm.Close()

	loc, err := getWait(bm, 17)
	require.NoError(t, err)
	require.False(t, loc.IsMapped())

	_, err = getWait(bm, common.LBN(testConfig().LogicalBlocks))
	require.ErrorIs(t, err, common.ErrOutOfRange)

	err = putWait(bm, common.LBN(testConfig().LogicalBlocks)+5,
		format.DataLocation{PBN: 9, State: format.StateUncompressed}, 0)
	require.ErrorIs(t, err, common.ErrOutOfRange)
}

func TestPutThenGet(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	alloc := &seqAllocator{next: 100}
	bm := NewBlockMap(testConfig(), layer, nil, alloc, admin.NewReadOnlyNotifier())
	defer bm.Close()

	want := format.DataLocation{PBN: 555, State: format.StateUncompressed}
	require.NoError(t, putWait(bm, 0, want, 0))
	got, err := getWait(bm, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The descent allocated one page per level below the root.
	require.Equal(t, treeHeight-1, alloc.allocations())

	// A second mapping in the same leaf reuses the whole path.
	require.NoError(t, putWait(bm, 1, format.DataLocation{PBN: 556, State: format.StateUncompressed}, 0))
	require.Equal(t, treeHeight-1, alloc.allocations())

	// A distant logical block shares the interior pages and only needs a
	// new leaf.
	require.NoError(t, putWait(bm, format.BlockMapEntriesPerPage*5,
		format.DataLocation{PBN: 600, State: format.StateUncompressed}, 0))
	require.Equal(t, treeHeight, alloc.allocations())
}

func TestEraFlushWritesAgedPages(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	alloc := &seqAllocator{next: 100}
	jrnl := &recordingJournal{}
	cfg := testConfig()
	bm := NewBlockMap(cfg, layer, jrnl, alloc, admin.NewReadOnlyNotifier())

	want := format.DataLocation{PBN: 555, State: format.StateUncompressed}
	require.NoError(t, putWait(bm, 0, want, 7))
	// Every page on the path holds the causing journal block.
	require.Equal(t, treeHeight, jrnl.acquireCount())

	// One era is not old enough; the second advance ages the pages out.
	bm.AdvanceEra(1)
	require.Equal(t, 0, jrnl.releaseCount())
	bm.AdvanceEra(2)
	require.Eventually(t, func() bool { return jrnl.releaseCount() == treeHeight },
		time.Second, time.Millisecond)
	bm.Close()

	// A fresh instance sees the flushed mapping.
	bm2 := NewBlockMap(cfg, layer, nil, nil, admin.NewReadOnlyNotifier())
	defer bm2.Close()
	got, err := getWait(bm2, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDrainAwaitsOutstandingWrite(t *testing.T) {
	gate := &gateLayer{under: storage.NewMemLayer(4096)}
	defer gate.Close()
	alloc := &seqAllocator{next: 100}
	cfg := testConfig()
	bm := NewBlockMap(cfg, gate, nil, alloc, admin.NewReadOnlyNotifier())

	first := format.DataLocation{PBN: 555, State: format.StateUncompressed}
	require.NoError(t, putWait(bm, 0, first, 0))
	// Age the pages out; their writes stall in the gate.
	bm.AdvanceEra(1)
	bm.AdvanceEra(2)

	// Redirty the leaf while its write is in flight.
	second := format.DataLocation{PBN: 777, State: format.StateUncompressed}
	require.NoError(t, putWait(bm, 0, second, 0))

	done := make(chan error, 1)
	bm.Drain(admin.CodeSaving, func(err error) { done <- err })
	select {
	case <-done:
		t.Fatal("drain completed with writes gated")
	case <-time.After(20 * time.Millisecond):
	}

	// Releasing the gated writes lets the drain finish, including the
	// rewrite of the redirtied leaf.
	gate.releaseAll()
	require.NoError(t, <-done)
	bm.Close()

	bm2 := NewBlockMap(cfg, gate, nil, nil, admin.NewReadOnlyNotifier())
	defer bm2.Close()
	got, err := getWait(bm2, 0)
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestWriteGenerationWraps(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	alloc := &seqAllocator{next: 100}
	cfg := testConfig()
	cfg.MaximumAge = 1
	bm := NewBlockMap(cfg, layer, nil, alloc, admin.NewReadOnlyNotifier())

	// Far more flush batches than the 8-bit generation can count without
	// wrapping.
	var last format.DataLocation
	for i := 0; i < 300; i++ {
		last = format.DataLocation{PBN: common.PBN(600 + i), State: format.StateUncompressed}
		require.NoError(t, putWait(bm, 0, last, 0))
		bm.AdvanceEra(common.SequenceNumber(i + 2))
	}

	done := make(chan error, 1)
	bm.Drain(admin.CodeSaving, func(err error) { done <- err })
	require.NoError(t, <-done)
	bm.Close()

	bm2 := NewBlockMap(cfg, layer, nil, nil, admin.NewReadOnlyNotifier())
	defer bm2.Close()
	got, err := getWait(bm2, 0)
	require.NoError(t, err)
	require.Equal(t, last, got)
}

func TestConcurrentPutsShareOneAllocation(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	alloc := &gateAllocator{next: 100}
	bm := NewBlockMap(testConfig(), layer, nil, alloc, admin.NewReadOnlyNotifier())
	defer bm.Close()

	locA := format.DataLocation{PBN: 555, State: format.StateUncompressed}
	locB := format.DataLocation{PBN: 556, State: format.StateUncompressed}
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	bm.Put(0, locA, 0, func(err error) { doneA <- err })
	bm.Put(1, locB, 0, func(err error) { doneB <- err })

	// Both descents need the same four new pages; release the pending
	// allocations and check no duplicates were requested.
	for released := 0; released < treeHeight-1; {
		if alloc.releaseOne() {
			released++
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)
	require.Equal(t, treeHeight-1, alloc.count)

	got, err := getWait(bm, 0)
	require.NoError(t, err)
	require.Equal(t, locA, got)
	got, err = getWait(bm, 1)
	require.NoError(t, err)
	require.Equal(t, locB, got)
}

func TestReadOnlyStopsStoresNotLookups(t *testing.T) {
	layer := storage.NewMemLayer(4096)
	defer layer.Close()
	alloc := &seqAllocator{next: 100}
	notifier := admin.NewReadOnlyNotifier()
	bm := NewBlockMap(testConfig(), layer, nil, alloc, notifier)
	defer bm.Close()

	want := format.DataLocation{PBN: 555, State: format.StateUncompressed}
	require.NoError(t, putWait(bm, 0, want, 0))

	notifier.EnterReadOnly(errTestMedia)
	got, err := getWait(bm, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.ErrorIs(t, putWait(bm, 1, want, 0), common.ErrReadOnly)
}

func TestPageWriteFailureEntersReadOnly(t *testing.T) {
	fault := storage.NewFaultLayer(storage.NewMemLayer(4096))
	defer fault.Close()
	alloc := &seqAllocator{next: 100}
	notifier := admin.NewReadOnlyNotifier()
	bm := NewBlockMap(testConfig(), fault, nil, alloc, notifier)
	defer bm.Close()

	require.NoError(t, putWait(bm, 0,
		format.DataLocation{PBN: 555, State: format.StateUncompressed}, 0))

	// Fail the leaf page write; the drain must still complete.
	fault.FailPBN(103, errTestMedia)
	done := make(chan error, 1)
	bm.Drain(admin.CodeSaving, func(err error) { done <- err })
	require.NoError(t, <-done)
	require.True(t, notifier.IsReadOnly())
}
