// Package physmem models the physical address space the memory manager runs on
package physmem

import "fmt"

const (
	// PageShift is log2 of the page size
	PageShift = 12
	// PageSize is the size of one page frame in bytes
	PageSize = 1 << PageShift
	// PageMask clears the in-page offset of an address
	PageMask = ^uint64(PageSize - 1)

	// PageOffset is the base of the linear map, va = pa + PageOffset
	PageOffset VirtAddr = 0xffff000000000000

	// L1CacheShift is log2 of the cache line size
	L1CacheShift = 6
	// CacheLineSize is the cache line size in bytes
	CacheLineSize = 1 << L1CacheShift
)

// PhysAddr is a physical address
type PhysAddr uint64

// PhysAddrMax is the highest representable physical address
const PhysAddrMax = ^PhysAddr(0)

// VirtAddr is a kernel linear-map virtual address
type VirtAddr uint64

// Virt translates a physical address into the linear map (__va)
func (pa PhysAddr) Virt() VirtAddr {
	return VirtAddr(pa) + PageOffset
}

// PFN returns the page frame number containing pa
func (pa PhysAddr) PFN() uint64 {
	return uint64(pa) >> PageShift
}

func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#016x", uint64(pa))
}

// Phys translates a linear-map address back to physical (__pa)
func (va VirtAddr) Phys() PhysAddr {
	return PhysAddr(va - PageOffset)
}

// IsLinear reports whether va lies inside the linear map
func (va VirtAddr) IsLinear() bool {
	return va >= PageOffset
}

func (va VirtAddr) String() string {
	return fmt.Sprintf("%#016x", uint64(va))
}

// PFNUp returns the first page frame at or above pa
func PFNUp(pa PhysAddr) uint64 {
	return (uint64(pa) + PageSize - 1) >> PageShift
}

// PFNDown returns the page frame containing pa
func PFNDown(pa PhysAddr) uint64 {
	return uint64(pa) >> PageShift
}

// PFNPhys returns the physical address of a page frame
func PFNPhys(pfn uint64) PhysAddr {
	return PhysAddr(pfn << PageShift)
}

// PageAlign rounds pa up to a page boundary
func PageAlign(pa PhysAddr) PhysAddr {
	return PhysAddr(RoundUp(uint64(pa), PageSize))
}

// RoundUp rounds v up to a multiple of align, which must be a power of two
func RoundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// RoundDown rounds v down to a multiple of align, which must be a power of two
func RoundDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
