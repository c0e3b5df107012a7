package format

import (
	"encoding/binary"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// Reference count values. Counts between one and MaxRefCount are literal
// reference counts; Provisional marks a block allocated but not yet
// journaled, and reads back as free after a crash.
const (
	EmptyRefCount       uint8 = 0
	MaxRefCount         uint8 = 254
	ProvisionalRefCount uint8 = 255
)

// A refcount block holds eight sectors, each a packed journal point
// followed by 504 one-byte counts. The per-sector point records the slab
// journal position already reflected in that sector's counts, which is
// what makes replay idempotent.
const (
	RefCountsPerSector = common.SectorSize - 8
	RefCountsPerBlock  = RefCountsPerSector * common.SectorsPerBlock
)

// PackRefCountSector encodes one sector at b[0:512] from counts (at most
// RefCountsPerSector of them; short tails are zero padded).
func PackRefCountSector(b []byte, point common.JournalPoint, counts []uint8) {
	binary.LittleEndian.PutUint64(b[0:8], point.Pack())
	n := copy(b[8:common.SectorSize], counts)
	for i := 8 + n; i < common.SectorSize; i++ {
		b[i] = 0
	}
}

// UnpackRefCountSector decodes one sector into counts, returning the
// sector's commit point.
func UnpackRefCountSector(b []byte, counts []uint8) common.JournalPoint {
	copy(counts, b[8:8+min(len(counts), RefCountsPerSector)])
	return common.UnpackJournalPoint(binary.LittleEndian.Uint64(b[0:8]))
}

// RefCountBlockCount returns the number of refcount blocks needed to cover
// a slab of the given size.
func RefCountBlockCount(slabBlocks common.BlockCount) common.BlockCount {
	return (slabBlocks + RefCountsPerBlock - 1) / RefCountsPerBlock
}
