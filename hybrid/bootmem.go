package hybrid

import (
	"fmt"
	"math"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// zoneSources maps every zone to the memblock flags of the memory it serves
var zoneSources = [NrZones]memblock.Flags{
	ZoneDMA:     memblock.FlagDMA,
	ZoneNormal:  memblock.FlagNone,
	ZoneMovable: memblock.FlagMovable,
}

func zoneForFlags(f memblock.Flags) ZoneType {
	switch {
	case f&memblock.FlagDMA != 0:
		return ZoneDMA
	case f&memblock.FlagMovable != 0:
		return ZoneMovable
	}
	return ZoneNormal
}

func (a *Allocator) initSinglePage(page *Page, pfn uint64, zone ZoneType) {
	*page = Page{pfn: pfn, zone: zone}
	page.initPageCount()
	page.mapcountReset()
	page.setFlag(PGReserved)
}

// freeAreaInitNodes logs the memory layout, then sets up the zones and one
// reserved descriptor per page frame of the memory span
func (a *Allocator) freeAreaInitNodes() {
	a.totalPhysPages = 0
	klog.Info("Early memory node ranges")
	a.mb.ForEachMemPFNRange(func(startPFN, endPFN uint64) {
		klog.Info("  node: [mem %#018x-%#018x]", uint64(physmem.PFNPhys(startPFN)), uint64(physmem.PFNPhys(endPFN))-1)
		a.totalPhysPages += endPFN - startPFN
	})

	klog.Info("Zone ranges:")
	for zt := ZoneType(0); zt < NrZones; zt++ {
		empty := true
		a.mb.ForEachFreeRange(zoneSources[zt], func(start, end memblock.PhysAddr) {
			empty = false
			klog.Info("  %-8s [mem %#018x-%#018x]", zt, uint64(start), uint64(end)-1)
		})
		if empty {
			klog.Info("  %-8s empty", zt)
		}
	}

	for zt := ZoneType(0); zt < NrZones; zt++ {
		z := &a.zones[zt]
		z.typ = zt
		z.a = a
		z.pageset = percpu.NewArea(a.cpus.Len(), func(cpu int, pcp *perCPUPages) {
			pcp.list = a.newPageList()
		})
		for order := range z.freeArea {
			z.freeArea[order].freeList = a.newPageList()
		}
	}

	for i := range a.memMap {
		a.initSinglePage(&a.memMap[i], a.startPFN+uint64(i), ZoneNormal)
	}
	for _, r := range a.mb.Regions(memblock.Memory) {
		zt := zoneForFlags(r.Flags)
		for pfn := r.BasePFN(); pfn < r.EndPFN(); pfn++ {
			a.memMap[pfn-a.startPFN].zone = zt
		}
	}

	for zt := ZoneType(0); zt < NrZones; zt++ {
		z := &a.zones[zt]
		minPFN := uint64(math.MaxUint64)
		a.mb.ForEachFreeRange(zoneSources[zt], func(start, end memblock.PhysAddr) {
			if physmem.PFNUp(start) < physmem.PFNDown(end) {
				minPFN = min(minPFN, physmem.PFNUp(start))
			}
		})
		if minPFN != math.MaxUint64 {
			z.startPFN = minPFN
		}
		z.initialized = true
	}
}

// freePagesMemory hands [startPFN, endPFN) to its zone one page at a time;
// merging rebuilds the large blocks
func (a *Allocator) freePagesMemory(z *Zone, startPFN, endPFN uint64) {
	for pfn := startPFN; pfn < endPFN; pfn++ {
		page := a.pfnToPage(pfn)
		page.clearFlag(PGReserved)
		page.setPageCount(0)
	}
	z.managed.Add(int64(endPFN - startPFN))

	z.lock.Lock()
	defer z.lock.Unlock()
	for pfn := startPFN; pfn < endPFN; pfn++ {
		z.freeOnePage(a.pfnToPage(pfn), pfn, 0)
	}
}

// memblockFreeAll releases every page memblock left unreserved and returns
// how many there were. Reserved pages stay reserved.
func (a *Allocator) memblockFreeAll() uint64 {
	var pages uint64
	for zt := ZoneType(0); zt < NrZones; zt++ {
		z := &a.zones[zt]
		a.mb.ForEachFreeRange(zoneSources[zt], func(start, end memblock.PhysAddr) {
			startPFN, endPFN := physmem.PFNUp(start), physmem.PFNDown(end)
			if startPFN >= endPFN {
				return
			}
			pages += endPFN - startPFN
			a.freePagesMemory(z, startPFN, endPFN)
		})
	}
	return pages
}

func (a *Allocator) setupPagesets() {
	for i := range a.zones {
		a.zones[i].setupPageset(a.opts)
	}
}

func (a *Allocator) freeReservedPage(cpu int, page *Page, poison int) error {
	if !page.testFlag(PGReserved) {
		return fmt.Errorf("%w: pfn:%05x is not reserved", ErrBadPage, page.pfn)
	}
	if poison >= 0 && poison <= 0xff {
		a.arena.Fill(physmem.PFNPhys(page.pfn), physmem.PageSize, byte(poison))
	}
	page.clearFlag(PGReserved)
	page.initPageCount()
	a.pageZone(page).managed.Add(1)
	return a.freePages(cpu, page, 0)
}

// FreeReservedArea hands the whole pages of a reserved range to the buddy
// allocator. A poison value up to 0xff is written over each page first.
// It returns the number of pages freed.
func (a *Allocator) FreeReservedArea(cpu int, start, end physmem.VirtAddr, poison int, name string) (uint64, error) {
	start = physmem.VirtAddr(physmem.RoundUp(uint64(start), physmem.PageSize))
	end = physmem.VirtAddr(uint64(end) & physmem.PageMask)

	c := a.lockCPU(cpu)
	defer c.LocalIRQRestore()

	var pages uint64
	for pos := start; pos < end; pos += physmem.PageSize {
		page := a.VirtToPage(pos)
		if page == nil {
			return pages, ErrInvalidAddress
		}
		if err := a.freeReservedPage(cpu, page, poison); err != nil {
			return pages, err
		}
		pages++
	}
	if pages > 0 && name != "" {
		klog.Info("Freeing %s memory: %dK", name, pages<<(physmem.PageShift-10))
	}
	return pages, nil
}
