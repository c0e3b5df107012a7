package vdo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
)

var errTestMedia = errors.New("injected media error")

func testConfig() Config {
	return Config{
		PhysicalBlocks:    1024,
		LogicalBlocks:     8192,
		Nonce:             0xabcd,
		JournalBlocks:     16,
		SlabSize:          64,
		SlabJournalBlocks: 8,
	}
}

func formatAndOpen(t *testing.T, layer storage.Layer) *VDO {
	t.Helper()
	require.NoError(t, Format(layer, testConfig()))
	v, err := Open(layer, Options{})
	require.NoError(t, err)
	return v
}

func TestFormatAndOpen(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)
	defer v.Close()

	require.Equal(t, common.BlockCount(8192), v.LogicalBlocks())
	require.NotZero(t, v.Depot().FreeBlocks())

	loc, err := v.Read(17)
	require.NoError(t, err)
	require.False(t, loc.IsMapped())
}

func TestWriteReadDiscard(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)
	defer v.Close()

	pbn, err := v.Write(42)
	require.NoError(t, err)
	loc, err := v.Read(42)
	require.NoError(t, err)
	require.Equal(t, pbn, loc.PBN)
	require.True(t, loc.IsMapped())

	// Overwrite allocates a new block and frees the old one.
	free := v.Depot().FreeBlocks()
	pbn2, err := v.Write(42)
	require.NoError(t, err)
	require.NotEqual(t, pbn, pbn2)
	require.Equal(t, free, v.Depot().FreeBlocks())
	loc, err = v.Read(42)
	require.NoError(t, err)
	require.Equal(t, pbn2, loc.PBN)

	require.NoError(t, v.Discard(42))
	loc, err = v.Read(42)
	require.NoError(t, err)
	require.Equal(t, common.ZeroBlock, loc.PBN)
	require.Equal(t, free+1, v.Depot().FreeBlocks())

	// Discarding an unmapped or already discarded block is a no-op.
	require.NoError(t, v.Discard(42))
	require.NoError(t, v.Discard(9999))
	require.Equal(t, free+1, v.Depot().FreeBlocks())
}

func TestSaveAndReopen(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)

	mappings := map[common.LBN]common.PBN{}
	for lbn := common.LBN(0); lbn < 20; lbn++ {
		pbn, err := v.Write(lbn * 100)
		require.NoError(t, err)
		mappings[lbn*100] = pbn
	}
	free := v.Depot().FreeBlocks()
	require.NoError(t, v.Save())
	v.Close()

	v, err := Open(layer, Options{})
	require.NoError(t, err)
	defer v.Close()
	for lbn, pbn := range mappings {
		loc, err := v.Read(lbn)
		require.NoError(t, err)
		require.Equal(t, pbn, loc.PBN)
	}
	require.Equal(t, free, v.Depot().FreeBlocks())

	// The device stays writable after a reload.
	_, err = v.Write(7777)
	require.NoError(t, err)
}

// Closing without saving stands in for a crash: the journal writes made it
// to the layer, but the refcount and block map pages never did.
func TestRecoverAfterCrash(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)

	mappings := map[common.LBN]common.PBN{}
	for lbn := common.LBN(0); lbn < 30; lbn++ {
		pbn, err := v.Write(lbn)
		require.NoError(t, err)
		mappings[lbn] = pbn
	}
	// An overwrite and a discard, so replay has decrements to get right.
	pbn, err := v.Write(5)
	require.NoError(t, err)
	mappings[5] = pbn
	require.NoError(t, v.Discard(6))
	delete(mappings, 6)

	free := v.Depot().FreeBlocks()
	v.Close()

	v, err = Open(layer, Options{})
	require.NoError(t, err)
	for lbn, want := range mappings {
		loc, err := v.Read(lbn)
		require.NoError(t, err)
		require.Equal(t, want, loc.PBN, "lbn %d", lbn)
	}
	loc, err := v.Read(6)
	require.NoError(t, err)
	require.Equal(t, common.ZeroBlock, loc.PBN)
	require.Equal(t, free, v.Depot().FreeBlocks())

	// Recovery saved the repaired state, so a reload right now is clean
	// and replays nothing.
	v.Close()
	v, err = Open(layer, Options{})
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, free, v.Depot().FreeBlocks())
	_, err = v.Write(31)
	require.NoError(t, err)
}

// A second crash during normal service after a recovery must replay only
// the entries from the new epoch.
func TestRepeatedCrashes(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)

	_, err := v.Write(1)
	require.NoError(t, err)
	v.Close()

	for i := 0; i < 3; i++ {
		v, err = Open(layer, Options{})
		require.NoError(t, err)
		_, err = v.Write(common.LBN(100 + i))
		require.NoError(t, err)
		v.Close()
	}

	v, err = Open(layer, Options{})
	require.NoError(t, err)
	defer v.Close()
	for _, lbn := range []common.LBN{1, 100, 101, 102} {
		loc, err := v.Read(lbn)
		require.NoError(t, err)
		require.True(t, loc.IsMapped(), "lbn %d", lbn)
	}
}

func TestAdminConflicts(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)
	defer v.Close()

	_, err := v.Write(3)
	require.NoError(t, err)

	require.NoError(t, v.Suspend())
	// A second suspend conflicts with the quiescent state.
	require.ErrorIs(t, v.Suspend(), common.ErrInvalidAdminState)
	// Saving from suspended is allowed.
	require.NoError(t, v.Save())
	require.ErrorIs(t, v.Save(), common.ErrInvalidAdminState)

	require.NoError(t, v.Resume())
	require.ErrorIs(t, v.Resume(), common.ErrInvalidAdminState)

	_, err = v.Write(4)
	require.NoError(t, err)
}

func TestReadOnlyReadsStillServed(t *testing.T) {
	fault := storage.NewFaultLayer(storage.NewMemLayer(1024))
	defer fault.Close()
	v := formatAndOpen(t, fault)
	defer v.Close()

	pbn, err := v.Write(9)
	require.NoError(t, err)

	fault.FailWritesAfter(0, errTestMedia)
	_, err = v.Write(10)
	require.Error(t, err)
	require.True(t, v.ReadOnlyNotifier().IsReadOnly())

	// Lookups keep working from the surviving state.
	loc, err := v.Read(9)
	require.NoError(t, err)
	require.Equal(t, pbn, loc.PBN)

	// Nothing durable may change anymore.
	require.ErrorIs(t, v.Save(), common.ErrReadOnly)
}

func TestGrowLogical(t *testing.T) {
	layer := storage.NewMemLayer(1024)
	defer layer.Close()
	v := formatAndOpen(t, layer)
	defer v.Close()

	_, err := v.Read(8192)
	require.ErrorIs(t, err, common.ErrOutOfRange)

	require.NoError(t, v.GrowLogical(16384))
	require.Equal(t, common.BlockCount(16384), v.LogicalBlocks())
	pbn, err := v.Write(12000)
	require.NoError(t, err)
	loc, err := v.Read(12000)
	require.NoError(t, err)
	require.Equal(t, pbn, loc.PBN)

	require.ErrorIs(t, v.GrowLogical(100), common.ErrOutOfRange)
}

func TestGrowPhysical(t *testing.T) {
	layer := storage.NewMemLayer(2048)
	defer layer.Close()
	cfg := testConfig()
	require.NoError(t, Format(layer, cfg))
	v, err := Open(layer, Options{})
	require.NoError(t, err)

	free := v.Depot().FreeBlocks()
	require.NoError(t, v.GrowPhysical(2048))
	grown := v.Depot().FreeBlocks()
	require.Greater(t, grown, free)

	require.ErrorIs(t, v.GrowPhysical(1024), common.ErrOutOfRange)

	pbn, err := v.Write(55)
	require.NoError(t, err)
	require.NoError(t, v.Save())
	v.Close()

	// The enlarged geometry survives a reload.
	v, err = Open(layer, Options{})
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, grown-1, v.Depot().FreeBlocks())
	loc, err := v.Read(55)
	require.NoError(t, err)
	require.Equal(t, pbn, loc.PBN)
}
