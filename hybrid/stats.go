package hybrid

import (
	"fmt"
	"strings"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// NrZoneFreePages returns the pages on the free lists of a zone. Pages
// cached on per-CPU lists are not counted.
func (a *Allocator) NrZoneFreePages(zt ZoneType) uint64 {
	z := &a.zones[zt]
	z.lock.Lock()
	defer z.lock.Unlock()
	return z.nrFreePages()
}

// NrFreePages returns the pages on the free lists of every zone
func (a *Allocator) NrFreePages() uint64 {
	var n uint64
	for zt := ZoneType(0); zt < NrZones; zt++ {
		n += a.NrZoneFreePages(zt)
	}
	return n
}

// NrManagedPages returns the pages handed to the page allocator
func (a *Allocator) NrManagedPages() uint64 {
	var n int64
	for i := range a.zones {
		n += a.zones[i].managed.Load()
	}
	return uint64(n)
}

// NrPercpuCachePages returns the pages on cpu's lists
func (a *Allocator) NrPercpuCachePages(cpu int) uint64 {
	c := a.lockCPU(cpu)
	defer c.LocalIRQRestore()
	var n int
	for i := range a.zones {
		n += a.zones[i].pageset.Ptr(cpu).count
	}
	return uint64(n)
}

// NrZonePercpuCachePages returns the pages of a zone on all per-CPU lists
func (a *Allocator) NrZonePercpuCachePages(zt ZoneType) uint64 {
	var n int
	a.cpus.OnEachCPU(func(cpu int) {
		n += a.zones[zt].pageset.Ptr(cpu).count
	})
	return uint64(n)
}

// TotalPhysPages returns the pages of all known memory, reserved or not
func (a *Allocator) TotalPhysPages() uint64 { return a.totalPhysPages }

// ZoneInfo is a snapshot of one zone
type ZoneInfo struct {
	Zone     ZoneType
	StartPFN uint64
	Managed  uint64
	Free     uint64
	PerCPU   uint64
	PCPHigh  int
	PCPBatch int
	NrFree   [MaxOrder]uint64
}

// BuddyInfo returns the per-order free block counts of every zone
func (a *Allocator) BuddyInfo() []ZoneInfo {
	infos := make([]ZoneInfo, 0, NrZones)
	for zt := ZoneType(0); zt < NrZones; zt++ {
		z := &a.zones[zt]
		info := ZoneInfo{
			Zone:     zt,
			StartPFN: z.startPFN,
			Managed:  uint64(z.managed.Load()),
			PerCPU:   a.NrZonePercpuCachePages(zt),
		}
		pcp := z.pageset.Ptr(0)
		info.PCPHigh, info.PCPBatch = pcp.high, pcp.batch

		z.lock.Lock()
		for order := range z.freeArea {
			info.NrFree[order] = z.freeArea[order].nrFree
		}
		info.Free = z.nrFreePages()
		z.lock.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// String formats the snapshot like /proc/buddyinfo
func (zi ZoneInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zone %8s", zi.Zone)
	for _, n := range zi.NrFree {
		fmt.Fprintf(&b, " %6d", n)
	}
	return b.String()
}

// MemInfo summarizes memory use, in pages
type MemInfo struct {
	Total    uint64
	Managed  uint64
	Reserved uint64
	Kernel   uint64
	Free     uint64
	PerCPU   uint64
	Slab     uint64
}

// MemInfo returns a summary of memory use
func (a *Allocator) MemInfo() MemInfo {
	mi := MemInfo{
		Total:   a.totalPhysPages,
		Managed: a.NrManagedPages(),
		Free:    a.NrFreePages(),
	}
	if mi.Total > mi.Managed {
		mi.Reserved = mi.Total - mi.Managed
	}
	if start, end := a.mb.KernelImage(); end > start {
		mi.Kernel = physmem.PFNUp(end) - physmem.PFNDown(start)
	}
	for zt := ZoneType(0); zt < NrZones; zt++ {
		mi.PerCPU += a.NrZonePercpuCachePages(zt)
	}
	for _, si := range a.SlabInfo() {
		mi.Slab += uint64(si.NumSlabs) << si.Order
	}
	return mi
}

func pagesToK(n uint64) uint64 { return n << (physmem.PageShift - 10) }

func (mi MemInfo) String() string {
	return fmt.Sprintf("Memory: %dK/%dK available (%dK kernel, %dK reserved, %dK free, %dK percpu, %dK slab)",
		pagesToK(mi.Managed), pagesToK(mi.Total), pagesToK(mi.Kernel), pagesToK(mi.Reserved),
		pagesToK(mi.Free), pagesToK(mi.PerCPU), pagesToK(mi.Slab))
}

// SlabInfo describes one slab cache
type SlabInfo struct {
	Name       string
	ObjSize    uint64
	Size       uint64
	ObjPerSlab uint64
	Order      int
	Active     int64
	NumSlabs   int64
	NumPartial int
	Refcount   int
	Flags      SlabFlags
}

// SlabInfo returns a snapshot of every slab cache, oldest first
func (a *Allocator) SlabInfo() []SlabInfo {
	a.slubLock.Lock()
	defer a.slubLock.Unlock()
	infos := make([]SlabInfo, 0, len(a.slabCaches))
	for _, s := range a.slabCaches {
		infos = append(infos, SlabInfo{
			Name:       s.name,
			ObjSize:    s.objsize,
			Size:       s.size,
			ObjPerSlab: s.objects,
			Order:      s.order,
			Active:     s.active.Load(),
			NumSlabs:   s.node.nrSlabs.Load(),
			NumPartial: s.node.partialCount(),
			Refcount:   s.refcount,
			Flags:      s.flags,
		})
	}
	return infos
}

// PageState classifies a page frame for PageStates
type PageState uint8

const (
	PageHole PageState = iota
	PageReserved
	PageFree
	PageCached
	PageSlab
	PageUsed
)

var pageStateNames = [...]string{"hole", "reserved", "free", "cached", "slab", "used"}

func (s PageState) String() string {
	if int(s) < len(pageStateNames) {
		return pageStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PageStates returns the state of every page frame from StartPFN on.
// Zones are locked while it runs, so the picture of the free lists is
// consistent; everything else may be in flux.
func (a *Allocator) PageStates() []PageState {
	states := make([]PageState, len(a.memMap))
	for i := range a.zones {
		a.zones[i].lock.Lock()
		defer a.zones[i].lock.Unlock()
	}

	for i := 0; i < len(a.memMap); i++ {
		page := &a.memMap[i]
		switch {
		case !a.mb.IsMemory(physmem.PFNPhys(page.pfn)):
			states[i] = PageHole
		case page.IsBuddy():
			n := 1 << pageOrder(page)
			for j := 0; j < n && i+j < len(states); j++ {
				states[i+j] = PageFree
			}
			i += n - 1
		case page.testFlag(PGReserved):
			states[i] = PageReserved
		case compoundHead(page).testFlag(PGSlab):
			states[i] = PageSlab
		case page.refcount.Load() == 0 && !page.IsTail():
			states[i] = PageCached
		default:
			states[i] = PageUsed
		}
	}
	return states
}

// StartPFN returns the frame number of the first page descriptor
func (a *Allocator) StartPFN() uint64 { return a.startPFN }
