package memblock

import "errors"

// Error definitions
var (
	// ErrFull is returned when a region set would exceed its capacity; nothing is applied
	ErrFull = errors.New("memblock: region table is full")
	// ErrNoSpace is returned when no free range satisfies a request
	ErrNoSpace = errors.New("memblock: no suitable free range")
	// ErrZeroAlign is returned for an allocation with zero alignment
	ErrZeroAlign = errors.New("memblock: alignment is zero")
	// ErrFlagsMismatch is returned when an insertion overlaps a region with different flags
	ErrFlagsMismatch = errors.New("memblock: overlapping region has different flags")
)
