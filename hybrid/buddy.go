package hybrid

import (
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/percpu"
)

type freeArea struct {
	freeList pageList
	nrFree   uint64
}

// Zone is one class of physical memory with its own free lists
type Zone struct {
	// lock guards freeArea and the Buddy type of every page in the zone
	lock sync.Mutex

	typ         ZoneType
	startPFN    uint64
	managed     atomic.Int64
	freeArea    [MaxOrder]freeArea
	pageset     *percpu.Area[perCPUPages]
	initialized bool

	a *Allocator
}

// Name returns the zone name
func (z *Zone) Name() string { return z.typ.String() }

func findBuddyPFN(pfn uint64, order int) uint64 {
	return pfn ^ (1 << order)
}

func (a *Allocator) pfnValid(pfn uint64) bool {
	return pfn >= a.startPFN && pfn-a.startPFN < uint64(len(a.memMap))
}

func (a *Allocator) pfnToPage(pfn uint64) *Page {
	if !a.pfnValid(pfn) {
		return nil
	}
	return &a.memMap[pfn-a.startPFN]
}

func (a *Allocator) pageZone(p *Page) *Zone { return &a.zones[p.zone] }

// pageIsBuddy reports whether buddy is a free block of the given order that
// page can merge with. Call with the zone lock held.
func pageIsBuddy(page, buddy *Page, order int) bool {
	// a buddy in another zone is guarded by that zone's lock
	if page.zone != buddy.zone {
		return false
	}
	if !buddy.IsBuddy() || pageOrder(buddy) != order {
		return false
	}
	if buddy.refcount.Load() != 0 {
		klog.Panic("BUG: free block pfn:%05x has refcount %d", buddy.pfn, buddy.refcount.Load())
	}
	return true
}

// freeOnePage returns a block to the free lists, merging it with its buddy
// for as long as the buddy is free. Call with the zone lock held.
func (z *Zone) freeOnePage(page *Page, pfn uint64, order int) {
	a := z.a
	if f := page.Flags() & flagsCheckAtPrep; f != 0 {
		klog.Panic("BUG: pfn:%05x freed with flags %s", pfn, f)
	}
	if pfn&(1<<order-1) != 0 {
		klog.Panic("BUG: pfn:%05x not aligned to order %d", pfn, order)
	}

	var buddyPFN uint64
	for order < MaxOrder-1 {
		buddyPFN = findBuddyPFN(pfn, order)
		buddy := a.pfnToPage(buddyPFN)
		if buddy == nil || !pageIsBuddy(page, buddy, order) {
			break
		}
		z.freeArea[order].freeList.remove(buddy)
		z.freeArea[order].nrFree--
		rmvPageOrder(buddy)

		combined := buddyPFN & pfn
		page = a.pfnToPage(combined)
		pfn = combined
		order++
	}
	setPageOrder(page, order)

	// If the next-order buddy is free, this block will likely merge soon:
	// keep it at the tail so it is handed out last.
	if order < MaxOrder-2 && a.pfnValid(buddyPFN) {
		combined := buddyPFN & pfn
		higherPage := a.pfnToPage(combined)
		higherBuddy := a.pfnToPage(findBuddyPFN(combined, order+1))
		if higherPage != nil && higherBuddy != nil && pageIsBuddy(higherPage, higherBuddy, order+1) {
			z.freeArea[order].freeList.pushBack(page)
			z.freeArea[order].nrFree++
			return
		}
	}
	z.freeArea[order].freeList.pushFront(page)
	z.freeArea[order].nrFree++
}

// expand splits a block of order high down to order low, handing the upper
// halves back to the free lists
func (z *Zone) expand(page *Page, low, high int) {
	size := uint64(1) << high
	base := page.pfn
	for high > low {
		high--
		size >>= 1
		half := z.a.pfnToPage(base + size)
		z.freeArea[high].freeList.pushFront(half)
		z.freeArea[high].nrFree++
		setPageOrder(half, high)
	}
}

// rmqueueSmallest takes the smallest free block of at least the given
// order. Call with the zone lock held.
func (z *Zone) rmqueueSmallest(order int) *Page {
	for cur := order; cur < MaxOrder; cur++ {
		area := &z.freeArea[cur]
		page := area.freeList.front()
		if page == nil {
			continue
		}
		area.freeList.remove(page)
		rmvPageOrder(page)
		area.nrFree--
		z.expand(page, order, cur)
		return page
	}
	return nil
}

// rmqueueBulk moves up to count blocks of the given order onto list under
// one hold of the zone lock and returns how many it moved
func (z *Zone) rmqueueBulk(order, count int, list *pageList) int {
	z.lock.Lock()
	defer z.lock.Unlock()
	alloced := 0
	for i := 0; i < count; i++ {
		page := z.rmqueueSmallest(order)
		if page == nil {
			break
		}
		// split pages arrive in physical order; the tail keeps them that way
		list.pushBack(page)
		alloced++
	}
	return alloced
}

func (z *Zone) freeOnePageLocked(page *Page, order int) {
	z.lock.Lock()
	z.freeOnePage(page, page.pfn, order)
	z.lock.Unlock()
}

// nrFreePages sums the free lists. Call with the zone lock held.
func (z *Zone) nrFreePages() uint64 {
	var n uint64
	for order := range z.freeArea {
		n += z.freeArea[order].nrFree << order
	}
	return n
}
