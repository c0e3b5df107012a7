package format

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// ComponentSuperBlock is the header ID of the super block itself.
const ComponentSuperBlock uint32 = 0

var SuperBlockVersion = VersionNumber{Major: 12, Minor: 0}

// SuperBlockState is everything recorded in block 0: the device identity
// and geometry, plus the durable state of each component. It is rewritten
// as a whole on every save.
type SuperBlockState struct {
	Nonce          common.Nonce
	LogicalBlocks  common.BlockCount
	PhysicalBlocks common.BlockCount

	Journal  RecoveryJournalState
	Depot    SlabDepotState
	BlockMap BlockMapState
}

type superBlockGeometry struct {
	Nonce          uint64
	LogicalBlocks  uint64
	PhysicalBlocks uint64
}

const superBlockGeometrySize = 24

// SuperBlockEncodedSize is the number of meaningful bytes in an encoded
// super block; the rest of the block is zero.
const SuperBlockEncodedSize = HeaderSize + superBlockGeometrySize +
	RecoveryJournalStateSize + SlabDepotStateSize + BlockMapStateSize + 4

// EncodeSuperBlock produces a full block: header, geometry, the three
// component states in component order, and a trailing CRC32 over all the
// preceding bytes.
func EncodeSuperBlock(s SuperBlockState) []byte {
	var buf bytes.Buffer
	pack(&buf, &Header{
		ID:      ComponentSuperBlock,
		Version: SuperBlockVersion,
		Size:    SuperBlockEncodedSize - HeaderSize,
	})
	pack(&buf, &superBlockGeometry{
		Nonce:          uint64(s.Nonce),
		LogicalBlocks:  uint64(s.LogicalBlocks),
		PhysicalBlocks: uint64(s.PhysicalBlocks),
	})
	buf.Write(EncodeRecoveryJournalState(s.Journal))
	buf.Write(EncodeSlabDepotState(s.Depot))
	buf.Write(EncodeBlockMapState(s.BlockMap))

	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(crc[:])

	block := make([]byte, common.BlockSize)
	copy(block, buf.Bytes())
	return block
}

// DecodeSuperBlock validates the checksum and header and decodes every
// component state.
func DecodeSuperBlock(b []byte) (SuperBlockState, error) {
	var s SuperBlockState
	if len(b) < SuperBlockEncodedSize {
		return s, fmt.Errorf("super block truncated at %d bytes", len(b))
	}
	want := binary.LittleEndian.Uint32(b[SuperBlockEncodedSize-4 : SuperBlockEncodedSize])
	if got := crc32.ChecksumIEEE(b[:SuperBlockEncodedSize-4]); got != want {
		return s, fmt.Errorf("super block checksum %08x, expected %08x", got, want)
	}
	h, err := decodeHeader(b, ComponentSuperBlock, SuperBlockVersion)
	if err != nil {
		return s, err
	}
	if h.Size != SuperBlockEncodedSize-HeaderSize {
		return s, fmt.Errorf("super block size %d, expected %d",
			h.Size, SuperBlockEncodedSize-HeaderSize)
	}

	var geo superBlockGeometry
	off := HeaderSize
	if err := unpack(b[off:off+superBlockGeometrySize], &geo); err != nil {
		return s, err
	}
	s.Nonce = common.Nonce(geo.Nonce)
	s.LogicalBlocks = common.BlockCount(geo.LogicalBlocks)
	s.PhysicalBlocks = common.BlockCount(geo.PhysicalBlocks)
	off += superBlockGeometrySize

	if s.Journal, err = DecodeRecoveryJournalState(b[off:]); err != nil {
		return s, err
	}
	off += RecoveryJournalStateSize
	if s.Depot, err = DecodeSlabDepotState(b[off:]); err != nil {
		return s, err
	}
	off += SlabDepotStateSize
	if s.BlockMap, err = DecodeBlockMapState(b[off:]); err != nil {
		return s, err
	}
	return s, nil
}
