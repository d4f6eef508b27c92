package hybrid

import (
	"fmt"
	"unsafe"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// Boot brings up the page and slab allocators on the memory mb describes.
// mb keeps its state; every range it leaves unreserved becomes free pages.
func Boot(mb *memblock.Memblock, opts Options) (*Allocator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if mb.PhysMemSize() == 0 {
		return nil, fmt.Errorf("%w: no memory registered", ErrNoMemory)
	}
	cpus, err := percpu.NewSet(opts.CPUs)
	if err != nil {
		return nil, err
	}

	startPFN := physmem.PFNDown(mb.StartOfDRAM())
	endPFN := physmem.PFNUp(mb.EndOfDRAM())
	arena, err := physmem.NewArena(physmem.PFNPhys(startPFN), (endPFN-startPFN)*physmem.PageSize)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		opts:     opts,
		mb:       mb,
		arena:    arena,
		cpus:     cpus,
		startPFN: startPFN,
	}

	// the descriptors live in Go memory, but their footprint is taken from
	// RAM the way a real mem_map would be
	mapSize := physmem.RoundUp((endPFN-startPFN)*uint64(unsafe.Sizeof(Page{})), physmem.PageSize)
	var base physmem.PhysAddr
	for _, f := range []memblock.Flags{memblock.FlagNone, memblock.FlagMovable, memblock.FlagDMA} {
		if base, err = mb.AllocRange(mapSize, physmem.PageSize, 0, memblock.AllocAccessible, f); err == nil {
			break
		}
	}
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("reserve memmap of %d bytes: %w", mapSize, err)
	}
	klog.Debug("memmap: %d page descriptors at %v", endPFN-startPFN, base)
	a.memMap = make([]Page, endPFN-startPFN)

	a.freeAreaInitNodes()
	freed := a.memblockFreeAll()
	a.setupPagesets()
	klog.Info("Built %d zonelists, total pages: %d", NrZones, freed)

	a.kmemCacheInit()
	klog.Info("%s", a.MemInfo())
	return a, nil
}

// Close releases the memory backing the allocator
func (a *Allocator) Close() error {
	return a.arena.Close()
}

// CPUs returns the number of CPUs the allocator serves
func (a *Allocator) CPUs() int { return a.cpus.Len() }

// Options returns the tunables the allocator was booted with
func (a *Allocator) Options() Options { return a.opts }

// Memblock returns the boot-time tracker the allocator was built from
func (a *Allocator) Memblock() *memblock.Memblock { return a.mb }

// Memory returns the bytes behind n bytes at linear address va
func (a *Allocator) Memory(va physmem.VirtAddr, n uint64) ([]byte, error) {
	if !va.IsLinear() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, va)
	}
	return a.arena.Bytes(va.Phys(), n)
}

func (a *Allocator) readPtr(va physmem.VirtAddr) physmem.VirtAddr {
	return physmem.VirtAddr(a.arena.ReadWord(va.Phys()))
}

func (a *Allocator) writePtr(va, v physmem.VirtAddr) {
	a.arena.WriteWord(va.Phys(), uint64(v))
}
