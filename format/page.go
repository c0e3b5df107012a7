package format

import (
	"bytes"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// Block map page geometry. Each page is a 36-byte header followed by 812
// packed block map entries.
const (
	BlockMapPageHeaderSize = 36
	BlockMapEntriesPerPage = (common.BlockSize - BlockMapPageHeaderSize) / BlockMapEntrySize
)

var BlockMapPageVersion = VersionNumber{Major: 4, Minor: 1}

// BlockMapPageHeader identifies a block map page. A page whose nonce or
// PBN does not match what the reader expects, or whose initialized flag is
// clear, is treated as all unmapped.
type BlockMapPageHeader struct {
	Nonce       uint64
	PBN         uint64
	Unused      [8]byte
	Initialized uint8
	Padding     [3]byte
}

// FormatBlockMapPage writes a fresh page header into block and clears the
// entry array.
func FormatBlockMapPage(block []byte, nonce common.Nonce, pbn common.PBN, initialized bool) {
	for i := range block {
		block[i] = 0
	}
	var buf bytes.Buffer
	pack(&buf, &BlockMapPageVersion)
	h := BlockMapPageHeader{Nonce: uint64(nonce), PBN: uint64(pbn)}
	if initialized {
		h.Initialized = 1
	}
	pack(&buf, &h)
	copy(block, buf.Bytes())
}

// ValidateBlockMapPage decodes the page header and reports whether the
// page belongs to this block map instance at this location.
func ValidateBlockMapPage(block []byte, nonce common.Nonce, pbn common.PBN) bool {
	var v VersionNumber
	if err := unpack(block[:8], &v); err != nil || v.Major != BlockMapPageVersion.Major {
		return false
	}
	var h BlockMapPageHeader
	if err := unpack(block[8:BlockMapPageHeaderSize], &h); err != nil {
		return false
	}
	return h.Initialized != 0 && h.Nonce == uint64(nonce) && h.PBN == uint64(pbn)
}

// PageEntry returns the packed entry bytes for a slot within a page.
func PageEntry(block []byte, slot int) []byte {
	off := BlockMapPageHeaderSize + slot*BlockMapEntrySize
	return block[off : off+BlockMapEntrySize]
}
