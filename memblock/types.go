// Package memblock tracks physical memory during early boot, before any
// paged allocator exists: which ranges are RAM and which of them are taken.
package memblock

import (
	"strings"
	"sync"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// PhysAddr is re-exported for brevity inside this package's API
type PhysAddr = physmem.PhysAddr

const (
	// DefaultRegions is the capacity of each region set
	DefaultRegions = 128

	// AllocAnywhere lets an allocation use any address
	AllocAnywhere = physmem.PhysAddrMax
	// AllocAccessible limits an allocation to the current limit
	AllocAccessible PhysAddr = 0
)

// Flags are region attributes
type Flags uint32

const (
	// FlagNone is ordinary mapped RAM, served to the Normal zone
	FlagNone Flags = 0
	// FlagNoMap keeps the range out of the linear map and the page allocator
	FlagNoMap Flags = 1 << 0
	// FlagDMA marks DMA-capable RAM
	FlagDMA Flags = 1 << 1
	// FlagMovable marks RAM served to the Movable zone
	FlagMovable Flags = 1 << 2
)

func (f Flags) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	if f&FlagNoMap != 0 {
		parts = append(parts, "nomap")
	}
	if f&FlagDMA != 0 {
		parts = append(parts, "dma")
	}
	if f&FlagMovable != 0 {
		parts = append(parts, "movable")
	}
	return strings.Join(parts, "|")
}

// Region is one contiguous physical range
type Region struct {
	Base  PhysAddr
	Size  uint64
	Flags Flags
}

// End returns the first address past the region
func (r Region) End() PhysAddr { return r.Base + PhysAddr(r.Size) }

// BasePFN returns the first whole page frame of the region
func (r Region) BasePFN() uint64 { return physmem.PFNUp(r.Base) }

// EndPFN returns the page frame past the last whole one in the region
func (r Region) EndPFN() uint64 { return physmem.PFNDown(r.End()) }

// Kind selects one of the two region sets
type Kind int

const (
	// Memory is all known RAM
	Memory Kind = iota
	// Reserved is the part of RAM currently in use
	Reserved
)

// regionSet is an ordered, non-overlapping, bounded set of regions. It
// never holds fewer than one entry: an empty set is a single zero-sized
// region.
type regionSet struct {
	regions   []Region
	max       int
	totalSize uint64
	name      string
}

func newRegionSet(name string, max int) regionSet {
	rs := regionSet{regions: make([]Region, 1, max), max: max, name: name}
	return rs
}

func (rs *regionSet) reset() {
	rs.regions = rs.regions[:1]
	rs.regions[0] = Region{}
	rs.totalSize = 0
}

func (rs *regionSet) cnt() int { return len(rs.regions) }

// Memblock is the region tracker
type Memblock struct {
	mu           sync.Mutex
	memory       regionSet
	reserved     regionSet
	bottomUp     bool
	currentLimit PhysAddr
	kernelStart  PhysAddr
	kernelEnd    PhysAddr
	debug        bool
}
