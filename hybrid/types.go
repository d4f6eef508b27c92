// Package hybrid manages physical memory after boot: a zoned buddy page
// allocator with per-CPU page lists, and a SLUB slab allocator with kmalloc
// size classes layered on top of it.
package hybrid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

const (
	// MaxOrder bounds block sizes: orders 0..MaxOrder-1
	MaxOrder = 11
	// NrZones is the number of zones
	NrZones = 3

	// ZeroSizePtr is returned for zero-sized kmalloc requests. It is never
	// backed by memory.
	ZeroSizePtr physmem.VirtAddr = 16

	// ARCHSlabMinAlign is the smallest object alignment
	ARCHSlabMinAlign = 8
	// ARCHKmallocMinAlign is the kmalloc alignment needed for DMA on arm64
	ARCHKmallocMinAlign = 128

	wordSize = 8
)

// ZoneType selects a zone
type ZoneType int

const (
	ZoneDMA ZoneType = iota
	ZoneNormal
	ZoneMovable
)

var zoneNames = [NrZones]string{"DMA", "Normal", "Movable"}

func (z ZoneType) String() string {
	if z < 0 || z >= NrZones {
		return fmt.Sprintf("zone(%d)", int(z))
	}
	return zoneNames[z]
}

// GFP are allocation flags
type GFP uint32

const (
	// GFPKernel is a plain allocation from the Normal zone
	GFPKernel GFP = 0
	// GFPDMA allocates from the DMA zone
	GFPDMA GFP = 1 << 0
	// GFPMovable allocates from the Movable zone
	GFPMovable GFP = 1 << 1
	// GFPZero clears the memory before returning it
	GFPZero GFP = 1 << 2
	// GFPNoWarn suppresses allocation failure warnings
	GFPNoWarn GFP = 1 << 3
)

// SlabFlags tune a slab cache
type SlabFlags uint32

const (
	SlabRedZone      SlabFlags = 0x00000400
	SlabPoison       SlabFlags = 0x00000800
	SlabHWCacheAlign SlabFlags = 0x00002000
	SlabCacheDMA     SlabFlags = 0x00004000
	SlabStoreUser    SlabFlags = 0x00010000
	SlabPanic        SlabFlags = 0x00040000

	objectPoison SlabFlags = 0x80000000

	slubNeverMerge = SlabRedZone | SlabPoison | SlabStoreUser
	slubMergeSame  = SlabCacheDMA
)

// Options are the allocator tunables. Zero values of PCPBatch and PCPHigh
// derive the per-CPU watermarks from zone size.
type Options struct {
	CPUs int

	PCPBatch int
	PCPHigh  int

	SlabMinOrder    int
	SlabMaxOrder    int
	SlabMinObjects  int
	MinPartial      int
	KmallocMinAlign int
}

// DefaultOptions returns the tunables for a 4K page machine
func DefaultOptions() Options {
	return Options{
		CPUs:            4,
		SlabMinOrder:    0,
		SlabMaxOrder:    1,
		SlabMinObjects:  4,
		MinPartial:      5,
		KmallocMinAlign: ARCHKmallocMinAlign,
	}
}

// Validate checks that the tunables are usable
func (o Options) Validate() error {
	switch {
	case o.CPUs < 1:
		return fmt.Errorf("%w: need at least one cpu, got %d", ErrInvalidOptions, o.CPUs)
	case o.PCPBatch < 0 || o.PCPHigh < 0:
		return fmt.Errorf("%w: negative pcp watermark", ErrInvalidOptions)
	case o.SlabMinOrder < 0 || o.SlabMaxOrder < o.SlabMinOrder || o.SlabMaxOrder >= MaxOrder:
		return fmt.Errorf("%w: slab order range %d-%d", ErrInvalidOptions, o.SlabMinOrder, o.SlabMaxOrder)
	case o.SlabMinObjects < 1:
		return fmt.Errorf("%w: slab min objects %d", ErrInvalidOptions, o.SlabMinObjects)
	case o.MinPartial < 0:
		return fmt.Errorf("%w: min partial %d", ErrInvalidOptions, o.MinPartial)
	case o.KmallocMinAlign < wordSize || o.KmallocMinAlign > 256 ||
		o.KmallocMinAlign&(o.KmallocMinAlign-1) != 0:
		return fmt.Errorf("%w: kmalloc min align %d", ErrInvalidOptions, o.KmallocMinAlign)
	}
	return nil
}

type slabState int32

const (
	// no slab functionality
	slabDown slabState = iota
	// caches can be opened but kmalloc does not work yet
	slabPartial
	// everything works
	slabUp
)

// Allocator owns every piece of post-boot memory state: the page
// descriptors, the zones and their per-CPU lists, and the slab caches.
type Allocator struct {
	opts  Options
	mb    *memblock.Memblock
	arena *physmem.Arena
	cpus  *percpu.Set

	memMap   []Page
	startPFN uint64

	zones          [NrZones]Zone
	totalPhysPages uint64

	bad badPageState

	slubLock         sync.Mutex
	slabCaches       []*KmemCache
	slabState        atomic.Int32
	kmallocCaches    [physmem.PageShift]*KmemCache
	kmallocDMACaches [physmem.PageShift]*KmemCache
	sizeIndex        [24]int8
	kmallocShiftLow  int
	kmallocMinSize   int
}
