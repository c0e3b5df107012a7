package storage

import (
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// memBackend keeps blocks in a sparse map; unwritten blocks read as
// zeroes. Used by nearly every test.
type memBackend struct {
	mu     sync.Mutex
	blocks map[common.PBN][]byte
	count  common.BlockCount
}

// NewMemLayer returns an in-memory layer of the given size in blocks.
func NewMemLayer(blocks common.BlockCount) Layer {
	return newDispatcher(&memBackend{
		blocks: make(map[common.PBN][]byte),
		count:  blocks,
	})
}

func (m *memBackend) readBlock(pbn common.PBN, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[pbn]; ok {
		copy(buf, b)
	} else {
		clear(buf)
	}
	return nil
}

func (m *memBackend) writeBlock(pbn common.PBN, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[pbn]
	if !ok {
		b = make([]byte, common.BlockSize)
		m.blocks[pbn] = b
	}
	copy(b, buf)
	return nil
}

func (m *memBackend) flush() error                   { return nil }
func (m *memBackend) blockCount() common.BlockCount  { return m.count }
func (m *memBackend) close() error                   { return nil }
