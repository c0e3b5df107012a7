package format

import (
	"bytes"
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// Slab journal block geometry. The 36-byte header leaves 4060 payload
// bytes. When a block contains only data-operation entries the type bitmap
// is omitted and the payload holds 1353 three-byte entries; a block with
// any block map increment instead holds 1299 entries plus a bitmap marking
// which of them are block map increments.
const (
	SlabJournalHeaderSize      = 36
	SlabJournalEntrySize       = 3
	SlabJournalPayloadSize     = common.BlockSize - SlabJournalHeaderSize
	SlabJournalFullEntries     = 1299
	SlabJournalEntriesPerBlock = 1353
	slabJournalBitmapSize      = (SlabJournalFullEntries + 7) / 8
)

// SlabJournalHeader is the header of every slab journal block. The
// recovery point records the recovery journal position covered by this
// block's entries; commits of older recovery journal blocks depend on it.
type SlabJournalHeader struct {
	Head                  uint64
	SequenceNumber        uint64
	RecoveryPoint         uint64 // packed journal point
	Nonce                 uint64
	MetadataType          uint8
	HasBlockMapIncrements uint8
	EntryCount            uint16
}

// SlabJournalEntry is one reference count adjustment within a slab.
type SlabJournalEntry struct {
	Offset    common.SlabBlockNumber
	Operation Operation
}

// PackSlabJournalHeader encodes the header at the front of block.
func PackSlabJournalHeader(block []byte, h *SlabJournalHeader) {
	var buf bytes.Buffer
	pack(&buf, h)
	copy(block[:SlabJournalHeaderSize], buf.Bytes())
}

// UnpackSlabJournalHeader decodes the header from the front of block.
func UnpackSlabJournalHeader(block []byte) (SlabJournalHeader, error) {
	var h SlabJournalHeader
	err := unpack(block[:SlabJournalHeaderSize], &h)
	return h, err
}

// IsValid checks a decoded header against the journal's identity.
func (h *SlabJournalHeader) IsValid(nonce common.Nonce) bool {
	limit := uint16(SlabJournalEntriesPerBlock)
	if h.HasBlockMapIncrements != 0 {
		limit = SlabJournalFullEntries
	}
	return h.MetadataType == uint8(MetadataSlabJournal) &&
		h.Nonce == uint64(nonce) &&
		h.EntryCount <= limit &&
		h.Head <= h.SequenceNumber
}

// packSlabJournalEntry encodes the 23-bit offset; the top bit of the third
// byte is the increment flag.
func packSlabJournalEntry(b []byte, offset common.SlabBlockNumber, increment bool) {
	b[0] = byte(offset)
	b[1] = byte(offset >> 8)
	b[2] = byte(offset>>16) & 0x7f
	if increment {
		b[2] |= 0x80
	}
}

func unpackSlabJournalEntry(b []byte) (offset common.SlabBlockNumber, increment bool) {
	offset = common.SlabBlockNumber(b[0]) |
		common.SlabBlockNumber(b[1])<<8 |
		common.SlabBlockNumber(b[2]&0x7f)<<16
	return offset, b[2]&0x80 != 0
}

// PackSlabJournalEntries encodes entries into the payload of block, whose
// header must already state the entry count and bitmap mode. Block map
// increments set their bit in the type bitmap after the entry array.
func PackSlabJournalEntries(block []byte, entries []SlabJournalEntry) {
	payload := block[SlabJournalHeaderSize:]
	for i, e := range entries {
		packSlabJournalEntry(payload[i*SlabJournalEntrySize:], e.Offset, e.Operation.IsIncrement())
		if e.Operation == BlockMapIncrement {
			payload[SlabJournalFullEntries*SlabJournalEntrySize+i/8] |= 1 << (i % 8)
		}
	}
}

// UnpackSlabJournalEntries decodes the entries described by the header.
func UnpackSlabJournalEntries(block []byte, h *SlabJournalHeader) ([]SlabJournalEntry, error) {
	payload := block[SlabJournalHeaderSize:]
	entries := make([]SlabJournalEntry, h.EntryCount)
	for i := range entries {
		offset, increment := unpackSlabJournalEntry(payload[i*SlabJournalEntrySize:])
		op := DataDecrement
		if increment {
			op = DataIncrement
		}
		if h.HasBlockMapIncrements != 0 &&
			payload[SlabJournalFullEntries*SlabJournalEntrySize+i/8]&(1<<(i%8)) != 0 {
			if !increment {
				return nil, fmt.Errorf("slab journal block %d entry %d: block map decrement",
					h.SequenceNumber, i)
			}
			op = BlockMapIncrement
		}
		entries[i] = SlabJournalEntry{Offset: offset, Operation: op}
	}
	return entries, nil
}
