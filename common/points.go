package common

import "fmt"

// JournalPoint totally orders entries within a single journal: first by the
// sequence number of the block, then by the position of the entry within it.
type JournalPoint struct {
	SequenceNumber SequenceNumber
	EntryCount     uint16
}

// Before reports whether p strictly precedes other.
func (p JournalPoint) Before(other JournalPoint) bool {
	return p.SequenceNumber < other.SequenceNumber ||
		(p.SequenceNumber == other.SequenceNumber && p.EntryCount < other.EntryCount)
}

// IsValid reports whether the point refers to a real entry. The zero point
// is used as "no entries committed yet".
func (p JournalPoint) IsValid() bool {
	return p.SequenceNumber > 0
}

// Advance moves the point to the next entry slot in the same block.
func (p *JournalPoint) Advance() {
	p.EntryCount++
}

func (p JournalPoint) String() string {
	return fmt.Sprintf("%d:%d", p.SequenceNumber, p.EntryCount)
}

// Pack encodes the point into the on-disk 64-bit form: the sequence number
// in the upper 48 bits and the entry count in the lower 16.
func (p JournalPoint) Pack() uint64 {
	return (uint64(p.SequenceNumber) << 16) | uint64(p.EntryCount)
}

// UnpackJournalPoint decodes the 64-bit on-disk form.
func UnpackJournalPoint(packed uint64) JournalPoint {
	return JournalPoint{
		SequenceNumber: SequenceNumber(packed >> 16),
		EntryCount:     uint16(packed & 0xffff),
	}
}

// InCyclicRange reports whether value lies in the closed interval
// [lower, upper] of a sequence that wraps at modulus. Used for 8-bit write
// generations, where native comparison miscounts across the 255→0 wrap.
func InCyclicRange[T ~uint8 | ~uint16 | ~uint32 | ~uint64](lower, value, upper T, modulus uint64) bool {
	l := uint64(lower) % modulus
	v := uint64(value) % modulus
	u := uint64(upper) % modulus
	if l <= u {
		return l <= v && v <= u
	}
	return v >= l || v <= u
}
