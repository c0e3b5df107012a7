package journal

import (
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
)

// tailBlock is an in-memory journal block: entries accumulate here until
// the block commits, then the buffer is reused for a later sequence
// number.
type tailBlock struct {
	sequence common.SequenceNumber
	header   format.RecoveryBlockHeader
	entries  []format.RecoveryEntry
	waiters  common.WaitQueue[*pendingEntry]
	buf      []byte
}

func newTailBlock() *tailBlock {
	return &tailBlock{
		entries: make([]format.RecoveryEntry, 0, format.RecoveryEntriesPerBlock),
		buf:     make([]byte, common.BlockSize),
	}
}

func (b *tailBlock) reset(seq common.SequenceNumber) {
	b.sequence = seq
	b.entries = b.entries[:0]
	for i := range b.buf {
		b.buf[i] = 0
	}
}

// encode lays the block out into buf: the full header in sector 0, then
// entries grouped into self-describing sectors.
func (b *tailBlock) encode() {
	format.PackRecoveryBlockHeader(b.buf, &b.header)
	for i := range b.entries {
		sector, index := format.EntrySector(i)
		s := b.buf[format.SectorOffset(sector):]
		if index == 0 {
			s[0] = b.header.CheckByte
			s[1] = b.header.RecoveryCount
		}
		s[2]++
		off := format.RecoverySectorHeaderSize + index*format.RecoveryEntrySize
		format.PackRecoveryEntry(s[off:], &b.entries[i])
	}
}
