package hybrid

import "errors"

// Error definitions
var (
	// ErrOrderTooLarge is returned for block orders at or above MaxOrder
	ErrOrderTooLarge = errors.New("order too large")
	// ErrInvalidZone is returned for contradictory zone modifiers
	ErrInvalidZone = errors.New("invalid zone modifiers")
	// ErrNoMemory is returned when an allocation cannot be satisfied
	ErrNoMemory = errors.New("out of memory")
	// ErrCacheBusy is returned when a destroyed cache still has live objects
	ErrCacheBusy = errors.New("slab cache still has objects")
	// ErrNoSlabOrder is returned when no slab layout fits an object size
	ErrNoSlabOrder = errors.New("no usable slab order")
	// ErrOverflow is returned when an array size overflows
	ErrOverflow = errors.New("size overflow")
	// ErrInvalidAddress is returned for addresses the allocator does not own
	ErrInvalidAddress = errors.New("invalid address")
	// ErrBadPage is returned when a page descriptor failed its sanity checks
	ErrBadPage = errors.New("bad page state")
	// ErrInvalidOptions is returned for unusable tunables
	ErrInvalidOptions = errors.New("invalid allocator options")
)
