package common

import "errors"

// The metadata error taxonomy. Physical layer errors are propagated as-is;
// everything else in this subsystem fails with one of these (possibly
// wrapped with context).
var (
	// ErrOutOfRange is returned for logical or physical block numbers
	// outside the configured space.
	ErrOutOfRange = errors.New("block number out of range")

	// ErrRefCountInvalid is returned for a decrement of a free block or
	// an increment of a maximally shared block. The count is unchanged.
	ErrRefCountInvalid = errors.New("invalid reference count adjustment")

	// ErrNoSpace is returned when an allocation finds no unreferenced
	// block.
	ErrNoSpace = errors.New("no space")

	// ErrInvalidAdminState is returned when an operation conflicts with a
	// structure's current administrative state. The state is undisturbed.
	ErrInvalidAdminState = errors.New("invalid admin state")

	// ErrReadOnly is returned for all mutating requests, current and
	// queued, once a metadata write failure has put the system into
	// read-only mode.
	ErrReadOnly = errors.New("device is read only")
)

func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
