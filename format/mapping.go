package format

import (
	"encoding/binary"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// MappingState qualifies a block map entry's physical location.
type MappingState uint8

const (
	StateUnmapped     MappingState = 0
	StateUncompressed MappingState = 1
	// States 2..15 name a slot in a compressed block.
	StateCompressedBase MappingState = 2
)

func (s MappingState) IsCompressed() bool {
	return s > StateUncompressed
}

// DataLocation is the unpacked form of a block map entry: a physical block
// and how the data is stored there.
type DataLocation struct {
	PBN   common.PBN
	State MappingState
}

// IsMapped reports whether the location refers to stored data.
func (l DataLocation) IsMapped() bool {
	return l.State != StateUnmapped
}

// IsValid rejects encodings that cannot arise from a correct writer, such
// as a compressed fragment of the zero block.
func (l DataLocation) IsValid() bool {
	if l.PBN == common.ZeroBlock {
		return !l.State.IsCompressed()
	}
	return l.IsMapped()
}

// BlockMapEntrySize is the packed size of one block map entry: a 4-bit
// mapping state and a 36-bit PBN.
const BlockMapEntrySize = 5

// PackBlockMapEntry encodes a location into its 5-byte on-disk form at
// b[0:5].
//
// Byte 0 holds the mapping state in the low nibble and the top four bits
// of the PBN in the high nibble; the remaining four bytes are the low 32
// bits of the PBN, little-endian.
func PackBlockMapEntry(b []byte, loc DataLocation) {
	b[0] = byte(loc.State&0x0f) | byte((loc.PBN>>32)&0x0f)<<4
	binary.LittleEndian.PutUint32(b[1:5], uint32(loc.PBN))
}

// UnpackBlockMapEntry decodes b[0:5].
func UnpackBlockMapEntry(b []byte) DataLocation {
	return DataLocation{
		PBN:   common.PBN(b[0]>>4)<<32 | common.PBN(binary.LittleEndian.Uint32(b[1:5])),
		State: MappingState(b[0] & 0x0f),
	}
}
