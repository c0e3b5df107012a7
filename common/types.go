package common

const (
	// BlockSize is the fixed size of every metadata and data block.
	BlockSize = 4096
	// SectorSize is the unit of torn-write protection within a journal
	// block.
	SectorSize = 512
	// SectorsPerBlock is the number of sectors in a block.
	SectorsPerBlock = BlockSize / SectorSize
)

type (
	// PBN is a physical block number on the underlying device.
	PBN uint64
	// LBN is a logical block number as seen by the user of the device.
	LBN uint64
	// SequenceNumber identifies a journal block. Sequence numbers
	// increase forever; block locations recycle.
	SequenceNumber uint64
	// BlockCount counts blocks.
	BlockCount uint64
	// Nonce distinguishes metadata written by different formattings of
	// the same device.
	Nonce uint64
	// SlabBlockNumber is a block offset relative to the start of a slab.
	SlabBlockNumber uint32
)

// ZeroBlock is the PBN used to mean "no data": mappings to it read as
// zeroes and take no references.
const ZeroBlock PBN = 0

// ZoneType classifies the zones which may hold interest in a recovery
// journal block.
type ZoneType int

const (
	ZoneTypeJournal ZoneType = iota
	ZoneTypeLogical
	ZoneTypePhysical
	ZoneTypeCount
)

func (zt ZoneType) String() string {
	switch zt {
	case ZoneTypeJournal:
		return "journal"
	case ZoneTypeLogical:
		return "logical"
	case ZoneTypePhysical:
		return "physical"
	}
	return "unknown"
}
