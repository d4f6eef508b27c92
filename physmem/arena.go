package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrArenaRange is returned when an access falls outside the arena
	ErrArenaRange = errors.New("physical address outside of arena")
	// ErrArenaSize is returned for an empty or unaligned arena
	ErrArenaSize = errors.New("arena size must be a non-zero multiple of the page size")
)

// Arena backs a contiguous span of physical memory [base, base+size)
// with host memory. Physical address pa lives at offset pa-base.
type Arena struct {
	base PhysAddr
	mem  []byte
}

// NewArena maps size bytes of anonymous memory standing in for RAM at base
func NewArena(base PhysAddr, size uint64) (*Arena, error) {
	if size == 0 || size%PageSize != 0 || uint64(base)%PageSize != 0 {
		return nil, ErrArenaSize
	}
	mem, err := mapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("map %d bytes at %v: %w", size, base, err)
	}
	return &Arena{base: base, mem: mem}, nil
}

// Close releases the host memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unmapAnon(a.mem)
	a.mem = nil
	return err
}

// Base returns the lowest physical address of the arena
func (a *Arena) Base() PhysAddr { return a.base }

// End returns the first physical address past the arena
func (a *Arena) End() PhysAddr { return a.base + PhysAddr(len(a.mem)) }

// Size returns the arena size in bytes
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Contains reports whether [pa, pa+n) lies inside the arena
func (a *Arena) Contains(pa PhysAddr, n uint64) bool {
	if pa < a.base {
		return false
	}
	off := uint64(pa - a.base)
	return off <= uint64(len(a.mem)) && n <= uint64(len(a.mem))-off
}

// Bytes returns the host memory behind [pa, pa+n)
func (a *Arena) Bytes(pa PhysAddr, n uint64) ([]byte, error) {
	if !a.Contains(pa, n) {
		return nil, fmt.Errorf("%w: [%v+%#x)", ErrArenaRange, pa, n)
	}
	off := uint64(pa - a.base)
	return a.mem[off : off+n : off+n], nil
}

// slice is Bytes for callers that already validated the range
func (a *Arena) slice(pa PhysAddr, n uint64) []byte {
	off := uint64(pa - a.base)
	return a.mem[off : off+n : off+n]
}

// ReadWord loads the little-endian 64-bit word at pa
func (a *Arena) ReadWord(pa PhysAddr) uint64 {
	return binary.LittleEndian.Uint64(a.slice(pa, 8))
}

// WriteWord stores v as a little-endian 64-bit word at pa
func (a *Arena) WriteWord(pa PhysAddr, v uint64) {
	binary.LittleEndian.PutUint64(a.slice(pa, 8), v)
}

// Zero clears [pa, pa+n)
func (a *Arena) Zero(pa PhysAddr, n uint64) {
	clear(a.slice(pa, n))
}

// Fill sets every byte of [pa, pa+n) to b
func (a *Arena) Fill(pa PhysAddr, n uint64, b byte) {
	buf := a.slice(pa, n)
	for i := range buf {
		buf[i] = b
	}
}
