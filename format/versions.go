package format

import (
	"bytes"
	"fmt"
)

// Component state IDs.
const (
	ComponentRecoveryJournal uint32 = 1
	ComponentSlabDepot       uint32 = 2
	ComponentBlockMap        uint32 = 3
)

// VersionNumber tags an encoded component state.
type VersionNumber struct {
	Major uint32
	Minor uint32
}

var (
	RecoveryJournalVersion = VersionNumber{Major: 7, Minor: 0}
	SlabDepotVersion       = VersionNumber{Major: 2, Minor: 0}
	BlockMapVersion        = VersionNumber{Major: 4, Minor: 5}
)

// Header introduces every encoded component state: which component, which
// layout version, and how many bytes of payload follow.
type Header struct {
	ID      uint32
	Version VersionNumber
	Size    uint64
}

const HeaderSize = 20

// RecoveryJournalState is the durable state of the recovery journal,
// version 7.0. JournalStart is the sequence number to resume from after a
// clean save; the two counts seed the header fields of new journal blocks.
type RecoveryJournalState struct {
	JournalStart       uint64
	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64
}

const RecoveryJournalStateSize = HeaderSize + 24

// EncodeRecoveryJournalState produces the 44-byte header-plus-payload
// encoding.
func EncodeRecoveryJournalState(s RecoveryJournalState) []byte {
	var buf bytes.Buffer
	pack(&buf, &Header{
		ID:      ComponentRecoveryJournal,
		Version: RecoveryJournalVersion,
		Size:    RecoveryJournalStateSize - HeaderSize,
	})
	pack(&buf, &s)
	return buf.Bytes()
}

// DecodeRecoveryJournalState validates the header and decodes the payload.
func DecodeRecoveryJournalState(b []byte) (RecoveryJournalState, error) {
	var s RecoveryJournalState
	h, err := decodeHeader(b, ComponentRecoveryJournal, RecoveryJournalVersion)
	if err != nil {
		return s, err
	}
	if h.Size != RecoveryJournalStateSize-HeaderSize {
		return s, fmt.Errorf("recovery journal state size %d, expected %d",
			h.Size, RecoveryJournalStateSize-HeaderSize)
	}
	if err := unpack(b[HeaderSize:RecoveryJournalStateSize], &s); err != nil {
		return s, err
	}
	return s, nil
}

// SlabDepotState is the durable configuration of the depot, version 2.0.
type SlabDepotState struct {
	FirstBlock     uint64
	LastBlock      uint64
	SlabSize       uint64
	SlabCount      uint64
	ZoneCount      uint8
	Padding        uint8
	SummaryOrigin  uint64
	JournalBlocks  uint64
	RefCountBlocks uint64
}

const SlabDepotStateSize = HeaderSize + 58

func EncodeSlabDepotState(s SlabDepotState) []byte {
	var buf bytes.Buffer
	pack(&buf, &Header{
		ID:      ComponentSlabDepot,
		Version: SlabDepotVersion,
		Size:    SlabDepotStateSize - HeaderSize,
	})
	pack(&buf, &s)
	return buf.Bytes()
}

func DecodeSlabDepotState(b []byte) (SlabDepotState, error) {
	var s SlabDepotState
	h, err := decodeHeader(b, ComponentSlabDepot, SlabDepotVersion)
	if err != nil {
		return s, err
	}
	if h.Size != SlabDepotStateSize-HeaderSize {
		return s, fmt.Errorf("slab depot state size %d, expected %d",
			h.Size, SlabDepotStateSize-HeaderSize)
	}
	if err := unpack(b[HeaderSize:SlabDepotStateSize], &s); err != nil {
		return s, err
	}
	return s, nil
}

// BlockMapState is the durable configuration of the block map, version 4.5.
type BlockMapState struct {
	FlatPageOrigin uint64
	FlatPageCount  uint64
	RootOrigin     uint64
	RootCount      uint64
}

const BlockMapStateSize = HeaderSize + 32

func EncodeBlockMapState(s BlockMapState) []byte {
	var buf bytes.Buffer
	pack(&buf, &Header{
		ID:      ComponentBlockMap,
		Version: BlockMapVersion,
		Size:    BlockMapStateSize - HeaderSize,
	})
	pack(&buf, &s)
	return buf.Bytes()
}

func DecodeBlockMapState(b []byte) (BlockMapState, error) {
	var s BlockMapState
	h, err := decodeHeader(b, ComponentBlockMap, BlockMapVersion)
	if err != nil {
		return s, err
	}
	if h.Size != BlockMapStateSize-HeaderSize {
		return s, fmt.Errorf("block map state size %d, expected %d",
			h.Size, BlockMapStateSize-HeaderSize)
	}
	if err := unpack(b[HeaderSize:BlockMapStateSize], &s); err != nil {
		return s, err
	}
	return s, nil
}

func decodeHeader(b []byte, id uint32, want VersionNumber) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("component state truncated at %d bytes", len(b))
	}
	if err := unpack(b[:HeaderSize], &h); err != nil {
		return h, err
	}
	if h.ID != id {
		return h, fmt.Errorf("component id %d, expected %d", h.ID, id)
	}
	if h.Version != want {
		return h, fmt.Errorf("component %d version %d.%d, expected %d.%d",
			id, h.Version.Major, h.Version.Minor, want.Major, want.Minor)
	}
	if uint64(len(b)-HeaderSize) < h.Size {
		return h, fmt.Errorf("component %d payload truncated", id)
	}
	return h, nil
}
