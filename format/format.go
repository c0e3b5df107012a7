// Package format defines every on-disk structure of the metadata
// subsystem and its packed little-endian encoding. Byte-aligned headers go
// through struc; the bit-packed entry formats are packed by hand.
//
// All layouts are fixed and version-tagged. Decode of anything encoded
// here must reproduce the input exactly; the tests pin the byte layouts.
package format

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// MetadataType tags journal blocks so a block recycled from one journal
// can never be mistaken for another's.
type MetadataType uint8

const (
	MetadataRecoveryJournal MetadataType = 1
	MetadataSlabJournal     MetadataType = 2
)

// Operation is the 2-bit journal operation code.
type Operation uint8

const (
	DataDecrement Operation = iota
	DataIncrement
	BlockMapDecrement
	BlockMapIncrement
)

func (op Operation) IsIncrement() bool {
	return op == DataIncrement || op == BlockMapIncrement
}

func (op Operation) IsBlockMap() bool {
	return op == BlockMapDecrement || op == BlockMapIncrement
}

func (op Operation) String() string {
	switch op {
	case DataDecrement:
		return "data decrement"
	case DataIncrement:
		return "data increment"
	case BlockMapDecrement:
		return "block map decrement"
	case BlockMapIncrement:
		return "block map increment"
	}
	return "unknown operation"
}

var packOpts = struc.Options{Order: binary.LittleEndian}

func pack(out *bytes.Buffer, v any) {
	if err := struc.PackWithOptions(out, v, &packOpts); err != nil {
		// Packing fixed-layout structs into a buffer cannot fail unless
		// the struct definition itself is broken.
		panic(err)
	}
}

func unpack(b []byte, v any) error {
	return struc.UnpackWithOptions(bytes.NewReader(b), v, &packOpts)
}
