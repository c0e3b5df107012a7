package format

import (
	"encoding/binary"
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// Recovery journal block geometry. A journal block is one 4K block split
// into 512-byte sectors. Sector 0 starts with the full block header; every
// sector carries its own small header so torn writes are detected at
// sector granularity.
const (
	RecoveryBlockHeaderSize   = 53
	RecoverySectorHeaderSize  = 3
	RecoveryEntrySize         = 11
	RecoveryEntriesPerSector  = (common.SectorSize - RecoverySectorHeaderSize) / RecoveryEntrySize
	RecoveryLastSectorEntries = RecoveryEntriesPerBlock - RecoveryEntriesPerSector*(common.SectorsPerBlock-2)

	// Sector 0 holds the block header only. Sectors 1..6 hold 46 entries
	// each, the last sector the remaining 35.
	RecoveryEntriesPerBlock = 311
)

// RecoveryBlockHeader is the full header written at the start of every
// recovery journal block.
type RecoveryBlockHeader struct {
	BlockMapHead       uint64 // oldest block map dirty sequence number
	SlabJournalHead    uint64 // oldest slab journal dirty sequence number
	SequenceNumber     uint64
	Nonce              uint64
	MetadataType       uint8
	EntryCount         uint16
	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64
	CheckByte          uint8
	RecoveryCount      uint8
}

// RecoverySectorHeader prefixes each of sectors 1..7.
type RecoverySectorHeader struct {
	CheckByte     uint8
	RecoveryCount uint8
	EntryCount    uint8
}

// RecoveryEntry is one journal entry: an operation applied to a block map
// slot, mapping it to a physical block.
type RecoveryEntry struct {
	Operation Operation
	PagePBN   common.PBN // block map page holding the slot
	Slot      uint16     // slot within the page, 10 bits
	Mapping   DataLocation
}

// ComputeCheckByte derives the check byte for a sequence number. The high
// bit is always set so a zeroed block never validates.
func ComputeCheckByte(seq common.SequenceNumber, journalSize common.BlockCount) uint8 {
	return 0x80 | uint8((uint64(seq)%uint64(journalSize))&0x7f)
}

// PackRecoveryBlockHeader encodes the 53-byte header at b[0:53].
func PackRecoveryBlockHeader(b []byte, h *RecoveryBlockHeader) {
	binary.LittleEndian.PutUint64(b[0:], h.BlockMapHead)
	binary.LittleEndian.PutUint64(b[8:], h.SlabJournalHead)
	binary.LittleEndian.PutUint64(b[16:], h.SequenceNumber)
	binary.LittleEndian.PutUint64(b[24:], h.Nonce)
	b[32] = h.MetadataType
	binary.LittleEndian.PutUint16(b[33:], h.EntryCount)
	binary.LittleEndian.PutUint64(b[35:], h.LogicalBlocksUsed)
	binary.LittleEndian.PutUint64(b[43:], h.BlockMapDataBlocks)
	b[51] = h.CheckByte
	b[52] = h.RecoveryCount
}

// UnpackRecoveryBlockHeader decodes b[0:53].
func UnpackRecoveryBlockHeader(b []byte) RecoveryBlockHeader {
	return RecoveryBlockHeader{
		BlockMapHead:       binary.LittleEndian.Uint64(b[0:]),
		SlabJournalHead:    binary.LittleEndian.Uint64(b[8:]),
		SequenceNumber:     binary.LittleEndian.Uint64(b[16:]),
		Nonce:              binary.LittleEndian.Uint64(b[24:]),
		MetadataType:       b[32],
		EntryCount:         binary.LittleEndian.Uint16(b[33:]),
		LogicalBlocksUsed:  binary.LittleEndian.Uint64(b[35:]),
		BlockMapDataBlocks: binary.LittleEndian.Uint64(b[43:]),
		CheckByte:          b[51],
		RecoveryCount:      b[52],
	}
}

// PackRecoveryEntry encodes an entry at b[0:11].
//
// Byte 0: operation in the low 2 bits, low 6 bits of the slot above it.
// Byte 1: high 4 bits of the slot in the low nibble, top nibble of the
// 36-bit page PBN in the high nibble. Bytes 2..5: low 32 bits of the page
// PBN. Bytes 6..10: the mapping as a packed block map entry.
func PackRecoveryEntry(b []byte, e *RecoveryEntry) {
	b[0] = byte(e.Operation&0x03) | byte(e.Slot&0x3f)<<2
	b[1] = byte(e.Slot>>6)&0x0f | byte((e.PagePBN>>32)&0x0f)<<4
	binary.LittleEndian.PutUint32(b[2:6], uint32(e.PagePBN))
	PackBlockMapEntry(b[6:11], e.Mapping)
}

// UnpackRecoveryEntry decodes b[0:11].
func UnpackRecoveryEntry(b []byte) RecoveryEntry {
	return RecoveryEntry{
		Operation: Operation(b[0] & 0x03),
		Slot:      uint16(b[0]>>2)&0x3f | uint16(b[1]&0x0f)<<6,
		PagePBN:   common.PBN(b[1]>>4)<<32 | common.PBN(binary.LittleEndian.Uint32(b[2:6])),
		Mapping:   UnpackBlockMapEntry(b[6:11]),
	}
}

// SectorOffset returns the byte offset of sector i within a block.
func SectorOffset(i int) int { return i * common.SectorSize }

// EntrySector maps a block-relative entry index to its sector number and
// index within that sector. Entries start in sector 1.
func EntrySector(entry int) (sector, index int) {
	return 1 + entry/RecoveryEntriesPerSector, entry % RecoveryEntriesPerSector
}

// IsValid checks the invariant fields of a decoded header against the
// journal's identity.
func (h *RecoveryBlockHeader) IsValid(nonce common.Nonce, size common.BlockCount) bool {
	return h.MetadataType == uint8(MetadataRecoveryJournal) &&
		h.Nonce == uint64(nonce) &&
		h.CheckByte == ComputeCheckByte(common.SequenceNumber(h.SequenceNumber), size) &&
		h.EntryCount <= RecoveryEntriesPerBlock
}

func (h *RecoveryBlockHeader) String() string {
	return fmt.Sprintf("journal block %d (entries %d, heads %d/%d)",
		h.SequenceNumber, h.EntryCount, h.BlockMapHead, h.SlabJournalHead)
}
