package format

import "github.com/dm-vdo/vdo-devel-sub000/common"

// Slab summary geometry. Each slab has one two-byte entry, so a single 4K
// block covers 2048 slabs.
const (
	SummaryEntrySize       = 2
	SummaryEntriesPerBlock = common.BlockSize / SummaryEntrySize
)

// SummaryEntry is the per-slab hint record consulted before any slab
// metadata is read: where the slab journal tail is, whether the reference
// counts on disk are current, and roughly how full the slab is.
type SummaryEntry struct {
	TailBlockOffset uint8
	FullnessHint    uint8 // 6 bits
	LoadRefCounts   bool
	IsDirty         bool
}

// PackSummaryEntry encodes the entry at b[0:2].
func PackSummaryEntry(b []byte, e SummaryEntry) {
	b[0] = e.TailBlockOffset
	b[1] = e.FullnessHint & 0x3f
	if e.LoadRefCounts {
		b[1] |= 1 << 6
	}
	if e.IsDirty {
		b[1] |= 1 << 7
	}
}

// UnpackSummaryEntry decodes b[0:2].
func UnpackSummaryEntry(b []byte) SummaryEntry {
	return SummaryEntry{
		TailBlockOffset: b[0],
		FullnessHint:    b[1] & 0x3f,
		LoadRefCounts:   b[1]&(1<<6) != 0,
		IsDirty:         b[1]&(1<<7) != 0,
	}
}

// ComputeFullnessHint compresses a free block count into the 6-bit hint.
// The hint is free blocks divided by the slab size over 64, so it is
// monotone in free space and zero only when the slab is truly full.
func ComputeFullnessHint(freeBlocks common.BlockCount, slabSize common.BlockCount) uint8 {
	shift := uint(0)
	for (slabSize >> shift) > 64 {
		shift++
	}
	hint := freeBlocks >> shift
	if hint > 63 {
		hint = 63
	}
	if hint == 0 && freeBlocks > 0 {
		hint = 1
	}
	return uint8(hint)
}
