package journal

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
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

const testNonce common.Nonce = 0xbeef

func newTestJournal(t *testing.T, size common.BlockCount, layer storage.Layer) *RecoveryJournal {
	t.Helper()
	z := zone.New("journal")
	t.Cleanup(z.Stop)
	j := NewRecoveryJournal(Config{
		Origin: 0,
		Size:   size,
		Nonce:  testNonce,
	}, layer, z, admin.NewReadOnlyNotifier())
	require.NoError(t, j.Open(format.RecoveryJournalState{JournalStart: 1}))
	return j
}

type entryResult struct {
	point common.JournalPoint
	err   error
}

// addEntryWait journals one entry and waits for its commit. The physical
// zone lock taken for the entry is left held; the caller releases it.
func addEntryWait(j *RecoveryJournal, e Entry) entryResult {
	ch := make(chan entryResult, 1)
	j.AddEntry(e, func(point common.JournalPoint, err error) {
		ch <- entryResult{point, err}
	})
	return <-ch
}

func testEntry(op format.Operation, pbn common.PBN) Entry {
	return Entry{
		Operation: op,
		PagePBN:   77,
		Slot:      12,
		Mapping:   format.DataLocation{PBN: pbn, State: format.StateUncompressed},
	}
}

func TestAddEntryCommitAndScan(t *testing.T) {
	layer := storage.NewMemLayer(16)
	defer layer.Close()
	j := newTestJournal(t, 8, layer)

	var points []common.JournalPoint
	for i := 0; i < 3; i++ {
		res := addEntryWait(j, testEntry(format.DataIncrement, common.PBN(100+i)))
		require.NoError(t, res.err)
		points = append(points, res.point)
	}
	// Each entry committed alone while the journal was idle.
	require.Equal(t, []common.JournalPoint{
		{SequenceNumber: 1}, {SequenceNumber: 2}, {SequenceNumber: 3},
	}, points)

	scan, err := Scan(layer, j.cfg)
	require.NoError(t, err)
	require.Equal(t, common.SequenceNumber(4), scan.Tail)
	require.Equal(t, common.SequenceNumber(1), scan.BlockMapHead)
	require.Len(t, scan.Entries, 3)
	for i, re := range scan.Entries {
		require.Equal(t, points[i], re.Point)
		require.Equal(t, format.DataIncrement, re.Entry.Operation)
		require.Equal(t, common.PBN(77), re.Entry.PagePBN)
		require.Equal(t, uint16(12), re.Entry.Slot)
		require.Equal(t, common.PBN(100+i), re.Entry.Mapping.PBN)
	}
	require.Equal(t, uint64(3), scan.LogicalBlocksUsed)
}

func TestScanEmptyJournal(t *testing.T) {
	layer := storage.NewMemLayer(16)
	defer layer.Close()
	require.NoError(t, Format(layer, Config{Size: 8, Nonce: testNonce}))

	scan, err := Scan(layer, Config{Size: 8, Nonce: testNonce})
	require.NoError(t, err)
	require.Equal(t, common.SequenceNumber(1), scan.Tail)
	require.Empty(t, scan.Entries)
}

func TestScanStopsAtTornSector(t *testing.T) {
	layer := storage.NewMemLayer(16)
	defer layer.Close()

	b := newTailBlock()
	b.reset(1)
	for i := 0; i < 50; i++ {
		b.entries = append(b.entries, format.RecoveryEntry{
			Operation: format.DataIncrement,
			Mapping:   format.DataLocation{PBN: common.PBN(i + 1), State: format.StateUncompressed},
		})
	}
	b.header = format.RecoveryBlockHeader{
		BlockMapHead:    1,
		SlabJournalHead: 1,
		SequenceNumber:  1,
		Nonce:           uint64(testNonce),
		MetadataType:    uint8(format.MetadataRecoveryJournal),
		EntryCount:      50,
		CheckByte:       format.ComputeCheckByte(1, 8),
	}
	b.encode()
	// Tear the second entry sector.
	b.buf[format.SectorOffset(2)] ^= 0xff
	require.NoError(t, storage.WriteSync(layer, 1, b.buf))

	scan, err := Scan(layer, Config{Size: 8, Nonce: testNonce})
	require.NoError(t, err)
	// Only the first sector's entries survive.
	require.Len(t, scan.Entries, format.RecoveryEntriesPerSector)
}

func TestWriteFailureEntersReadOnly(t *testing.T) {
	boom := errors.New("journal write failed")
	fault := storage.NewFaultLayer(storage.NewMemLayer(16))
	defer fault.Close()
	j := newTestJournal(t, 8, fault)

	fault.FailWritesAfter(0, boom)
	res := addEntryWait(j, testEntry(format.DataIncrement, 100))
	require.ErrorIs(t, res.err, common.ErrReadOnly)
	require.True(t, j.notifier.IsReadOnly())

	// Later entries fail immediately.
	res = addEntryWait(j, testEntry(format.DataDecrement, 100))
	require.ErrorIs(t, res.err, common.ErrReadOnly)

	// Quiescing still completes, without further writes.
	done := make(chan error, 1)
	j.Drain(admin.CodeSaving, func(err error) { done <- err })
	require.NoError(t, <-done)
}

func TestDecrementsBypassIncrementBackpressure(t *testing.T) {
	layer := storage.NewMemLayer(16)
	defer layer.Close()
	j := newTestJournal(t, 2, layer)

	// Fill the two-block ring; the physical-zone locks held by the
	// uncompleted slab journal work pin both blocks.
	res1 := addEntryWait(j, testEntry(format.DataIncrement, 100))
	require.NoError(t, res1.err)
	res2 := addEntryWait(j, testEntry(format.DataIncrement, 101))
	require.NoError(t, res2.err)

	var mu sync.Mutex
	var order []string
	record := func(name string) EntryCallback {
		return func(point common.JournalPoint, err error) {
			require.NoError(t, err)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			j.ReleaseLock(point.SequenceNumber, common.ZoneTypePhysical, 0)
		}
	}
	finished := make(chan struct{}, 2)
	j.AddEntry(testEntry(format.DataIncrement, 102), func(p common.JournalPoint, err error) {
		record("increment")(p, err)
		finished <- struct{}{}
	})
	j.AddEntry(testEntry(format.DataDecrement, 100), func(p common.JournalPoint, err error) {
		record("decrement")(p, err)
		finished <- struct{}{}
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Empty(t, order, "entries must stall while the ring is pinned")
	mu.Unlock()

	// Releasing the oldest block lets the head advance; the deferred
	// decrement is serviced before the deferred increment.
	j.ReleaseLock(res1.point.SequenceNumber, common.ZoneTypePhysical, 0)
	<-finished
	j.ReleaseLock(res2.point.SequenceNumber, common.ZoneTypePhysical, 0)
	<-finished

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"decrement", "increment"}, order)
}

// gateLayer holds submitted writes until released, for drain-race tests.
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

func TestDrainAwaitsOutstandingWrite(t *testing.T) {
	gate := &gateLayer{under: storage.NewMemLayer(16)}
	defer gate.Close()
	j := newTestJournal(t, 8, gate)

	committed := make(chan struct{})
	j.AddEntry(testEntry(format.DataIncrement, 100), func(point common.JournalPoint, err error) {
		require.NoError(t, err)
		j.ReleaseLock(point.SequenceNumber, common.ZoneTypePhysical, 0)
		close(committed)
	})

	done := make(chan error, 1)
	j.Drain(admin.CodeSaving, func(err error) { done <- err })

	select {
	case <-done:
		t.Fatal("drain completed while a journal write was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	gate.releaseAll()
	require.NoError(t, <-done)
	<-committed

	// The saved state resumes after the written block.
	require.Equal(t, uint64(2), j.RecordState().JournalStart)
}

func TestConflictingDrainRejected(t *testing.T) {
	gate := &gateLayer{under: storage.NewMemLayer(16)}
	defer gate.Close()
	j := newTestJournal(t, 8, gate)

	j.AddEntry(testEntry(format.DataIncrement, 100), func(point common.JournalPoint, err error) {
		if err == nil {
			j.ReleaseLock(point.SequenceNumber, common.ZoneTypePhysical, 0)
		}
	})

	suspendDone := make(chan error, 1)
	j.Drain(admin.CodeSuspending, func(err error) { suspendDone <- err })

	saveDone := make(chan error, 1)
	j.Drain(admin.CodeSaving, func(err error) { saveDone <- err })
	require.ErrorIs(t, <-saveDone, common.ErrInvalidAdminState)

	// The suspend is undisturbed and completes once the write does.
	gate.releaseAll()
	require.NoError(t, <-suspendDone)

	resumed := make(chan error, 1)
	j.Resume(func(err error) { resumed <- err })
	require.NoError(t, <-resumed)

	res := addEntryWait(j, testEntry(format.DataIncrement, 101))
	require.NoError(t, res.err)
}
