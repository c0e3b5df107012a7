package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

func fillBlock(b byte) []byte {
	buf := make([]byte, common.BlockSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func testLayerRoundTrip(t *testing.T, l Layer) {
	t.Helper()
	defer l.Close()

	require.NoError(t, WriteSync(l, 3, fillBlock(0xaa)))
	require.NoError(t, WriteSync(l, 7, fillBlock(0x55)))

	buf := make([]byte, common.BlockSize)
	require.NoError(t, ReadSync(l, 3, buf))
	require.Equal(t, fillBlock(0xaa), buf)
	require.NoError(t, ReadSync(l, 7, buf))
	require.Equal(t, fillBlock(0x55), buf)

	// Unwritten blocks read back as zeroes.
	require.NoError(t, ReadSync(l, 5, buf))
	require.Equal(t, make([]byte, common.BlockSize), buf)

	// Out of range fails.
	err := ReadSync(l, 100, buf)
	require.ErrorIs(t, err, common.ErrOutOfRange)
}

func TestMemLayer(t *testing.T) {
	testLayerRoundTrip(t, NewMemLayer(16))
}

func TestFileLayer(t *testing.T) {
	l, err := OpenFileLayer(filepath.Join(t.TempDir(), "dev"), 16)
	require.NoError(t, err)
	testLayerRoundTrip(t, l)
}

func TestBoltLayer(t *testing.T) {
	l, err := OpenBoltLayer(filepath.Join(t.TempDir(), "meta.db"), 16)
	require.NoError(t, err)
	testLayerRoundTrip(t, l)
}

func TestBoltLayerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	l, err := OpenBoltLayer(path, 16)
	require.NoError(t, err)
	require.NoError(t, WriteSync(l, 2, fillBlock(0x11)))
	require.NoError(t, l.Close())

	l, err = OpenBoltLayer(path, 16)
	require.NoError(t, err)
	defer l.Close()
	buf := make([]byte, common.BlockSize)
	require.NoError(t, ReadSync(l, 2, buf))
	require.Equal(t, fillBlock(0x11), buf)
}

func TestBufferPoolBlocksAndServesFIFO(t *testing.T) {
	p := NewBufferPool(1)

	var first []byte
	p.Acquire(func(b []byte) { first = b })
	require.NotNil(t, first)

	var order []int
	p.Acquire(func(b []byte) { order = append(order, 1); p.Release(b) })
	p.Acquire(func(b []byte) { order = append(order, 2); p.Release(b) })
	require.Empty(t, order, "waiters must not run while the pool is empty")

	p.Release(first)
	require.Equal(t, []int{1, 2}, order)
	require.True(t, p.Idle(1))
}

func TestFaultLayerStopsWrites(t *testing.T) {
	f := NewFaultLayer(NewMemLayer(16))
	defer f.Close()

	require.NoError(t, WriteSync(f, 1, fillBlock(0x01)))
	f.StopWrites()
	// The lost write still reports success.
	require.NoError(t, WriteSync(f, 1, fillBlock(0x02)))

	buf := make([]byte, common.BlockSize)
	require.NoError(t, ReadSync(f, 1, buf))
	require.Equal(t, fillBlock(0x01), buf)
}

func TestFaultLayerInjectsErrors(t *testing.T) {
	boom := errors.New("media error")
	f := NewFaultLayer(NewMemLayer(16))
	defer f.Close()

	f.FailPBN(9, boom)
	require.ErrorIs(t, WriteSync(f, 9, fillBlock(1)), boom)
	require.NoError(t, WriteSync(f, 8, fillBlock(1)))

	f.FailWritesAfter(1, boom)
	require.NoError(t, WriteSync(f, 8, fillBlock(2)))
	require.ErrorIs(t, WriteSync(f, 8, fillBlock(3)), boom)
}
