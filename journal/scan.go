package journal

import (
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
)

// ReplayEntry is one decoded journal entry with its assigned point, ready
// to replay into the slab depot and block map.
type ReplayEntry struct {
	Point common.JournalPoint
	Entry format.RecoveryEntry
}

// ScanResult is what a journal scan recovers from disk after an unclean
// shutdown.
type ScanResult struct {
	// Tail is the sequence number new entries should start at.
	Tail common.SequenceNumber
	// BlockMapHead and SlabJournalHead come from the newest valid block's
	// header; entries before them are already durable elsewhere.
	BlockMapHead    common.SequenceNumber
	SlabJournalHead common.SequenceNumber

	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64

	// Entries holds every decodable entry from the oldest head through
	// the tail, in point order.
	Entries []ReplayEntry
}

// Format zeroes the journal partition. A zeroed block can never pass
// validation, so a formatted journal scans as empty.
func Format(layer storage.Layer, cfg Config) error {
	zero := make([]byte, common.BlockSize)
	for i := common.BlockCount(0); i < cfg.Size; i++ {
		if err := storage.WriteSync(layer, cfg.Origin+common.PBN(i), zero); err != nil {
			return fmt.Errorf("formatting recovery journal block %d: %w", i, err)
		}
	}
	return nil
}

// Scan reads the whole journal partition and reconstructs the entries
// needing replay. Blocks failing validation end the scan at that point; a
// torn tail loses only entries never acknowledged.
func Scan(layer storage.Layer, cfg Config) (*ScanResult, error) {
	blocks := make([][]byte, cfg.Size)
	headers := make([]format.RecoveryBlockHeader, cfg.Size)
	valid := make([]bool, cfg.Size)

	var newest common.SequenceNumber
	found := false
	for i := common.BlockCount(0); i < cfg.Size; i++ {
		buf := make([]byte, common.BlockSize)
		if err := storage.ReadSync(layer, cfg.Origin+common.PBN(i), buf); err != nil {
			return nil, fmt.Errorf("scanning recovery journal block %d: %w", i, err)
		}
		h := format.UnpackRecoveryBlockHeader(buf)
		if !h.IsValid(cfg.Nonce, cfg.Size) {
			continue
		}
		if uint64(h.SequenceNumber)%uint64(cfg.Size) != uint64(i) {
			// A stale block left over from an earlier pass of the ring.
			continue
		}
		blocks[i] = buf
		headers[i] = h
		valid[i] = true
		if !found || common.SequenceNumber(h.SequenceNumber) > newest {
			newest = common.SequenceNumber(h.SequenceNumber)
			found = true
		}
	}

	if !found {
		return &ScanResult{Tail: 1, BlockMapHead: 1, SlabJournalHead: 1}, nil
	}

	newestHeader := headers[uint64(newest)%uint64(cfg.Size)]
	result := &ScanResult{
		Tail:               newest + 1,
		BlockMapHead:       common.SequenceNumber(newestHeader.BlockMapHead),
		SlabJournalHead:    common.SequenceNumber(newestHeader.SlabJournalHead),
		LogicalBlocksUsed:  newestHeader.LogicalBlocksUsed,
		BlockMapDataBlocks: newestHeader.BlockMapDataBlocks,
	}

	head := min(result.BlockMapHead, result.SlabJournalHead)
	for seq := head; seq <= newest; seq++ {
		slot := uint64(seq) % uint64(cfg.Size)
		if !valid[slot] || headers[slot].SequenceNumber != uint64(seq) {
			// The chain is broken: everything after this was never
			// committed.
			result.Tail = seq
			break
		}
		result.Entries = append(result.Entries, decodeBlockEntries(blocks[slot], &headers[slot])...)
	}
	return result, nil
}

// decodeBlockEntries extracts the entries of one valid block, trusting
// each sector only as far as its own header agrees with the block's.
func decodeBlockEntries(buf []byte, h *format.RecoveryBlockHeader) []ReplayEntry {
	entries := make([]ReplayEntry, 0, h.EntryCount)
	remaining := int(h.EntryCount)
	for sector := 1; sector < common.SectorsPerBlock && remaining > 0; sector++ {
		s := buf[format.SectorOffset(sector):]
		if s[0] != h.CheckByte || s[1] != h.RecoveryCount {
			// A torn sector; whatever follows was written earlier and
			// belongs to an older block.
			break
		}
		count := int(s[2])
		if count > format.RecoveryEntriesPerSector {
			break
		}
		if count > remaining {
			count = remaining
		}
		for i := 0; i < count; i++ {
			off := format.RecoverySectorHeaderSize + i*format.RecoveryEntrySize
			entries = append(entries, ReplayEntry{
				Point: common.JournalPoint{
					SequenceNumber: common.SequenceNumber(h.SequenceNumber),
					EntryCount:     uint16(len(entries)),
				},
				Entry: format.UnpackRecoveryEntry(s[off:]),
			})
		}
		remaining -= count
	}
	return entries
}
