package hybrid

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

const (
	badPageBurst    = 60
	badPageInterval = time.Minute
)

// badPageState rate limits bad page reports: a burst of 60, then quiet
// until the minute is over
type badPageState struct {
	mu        sync.Mutex
	resume    time.Time
	nrShown   int
	nrUnshown int
	now       func() time.Time

	total atomic.Uint64
}

func (b *badPageState) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// badPage reports a corrupted descriptor and strips its page type so it
// cannot be mistaken for a free block again
func (a *Allocator) badPage(cpu int, page *Page, reason string, badFlags PageFlags) {
	b := &a.bad
	b.total.Add(1)
	defer page.mapcountReset()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	if b.nrShown == badPageBurst {
		if now.Before(b.resume) {
			b.nrUnshown++
			return
		}
		if b.nrUnshown > 0 {
			klog.Error("BUG: Bad page state: %d messages suppressed", b.nrUnshown)
			b.nrUnshown = 0
		}
		b.nrShown = 0
	}
	if b.nrShown == 0 {
		b.resume = now.Add(badPageInterval)
	}
	b.nrShown++

	klog.Error("BUG: Bad page state on cpu %d  pfn:%05x", cpu, page.pfn)
	klog.Error("page:%05x refcount:%d mapcount:%d flags: %#x(%s)",
		page.pfn, page.refcount.Load(), page.mapcount.Load(), uint64(page.Flags()), page.Flags())
	klog.Error("page dumped because: %s", reason)
	if badFlags &= page.Flags(); badFlags != 0 {
		klog.Error("bad because of flags: %#x(%s)", uint64(badFlags), badFlags)
	}
}

// BadPages returns how many bad page states were detected, reported or not
func (a *Allocator) BadPages() uint64 { return a.bad.total.Load() }

func (a *Allocator) nthPage(page *Page, n int) *Page {
	return &a.memMap[page.pfn-a.startPFN+uint64(n)]
}

func pageExpectedState(p *Page, check PageFlags) bool {
	if p.mapcount.Load() != -1 {
		return false
	}
	return p.refcount.Load() == 0 && p.Flags()&check == 0
}

// freePagesCheck reports whether page is unfit to be freed
func (a *Allocator) freePagesCheck(cpu int, page *Page) bool {
	if pageExpectedState(page, flagsCheckAtFree) {
		return false
	}
	var reason string
	var badFlags PageFlags
	if page.mapcount.Load() != -1 {
		reason = "nonzero mapcount"
	}
	if page.refcount.Load() != 0 {
		reason = "nonzero _refcount"
	}
	if page.Flags()&flagsCheckAtFree != 0 {
		reason = "PAGE_FLAGS_CHECK_AT_FREE flag(s) set"
		badFlags = flagsCheckAtFree
	}
	a.badPage(cpu, page, reason, badFlags)
	return true
}

func (a *Allocator) freeTailPagesCheck(cpu int, head, page *Page) bool {
	defer clearCompoundHead(page)
	if !page.IsTail() {
		a.badPage(cpu, page, "PageTail not set", 0)
		return true
	}
	if compoundHead(page) != head {
		a.badPage(cpu, page, "compound_head not consistent", 0)
		return true
	}
	return false
}

// freePagesPrepare validates a block on its way back and clears its
// allocation state. A block that fails is leaked.
func (a *Allocator) freePagesPrepare(cpu int, page *Page, order int, checkFree bool) bool {
	if page.IsTail() {
		klog.Panic("BUG: freeing tail page pfn:%05x", page.pfn)
	}
	bad := 0
	if order > 0 {
		compound := page.isCompound()
		if compound && page.CompoundOrder() != order {
			klog.Panic("BUG: pfn:%05x freed as order %d, compound order %d", page.pfn, order, page.CompoundOrder())
		}
		for i := 1; i < 1<<order; i++ {
			p := a.nthPage(page, i)
			if compound && a.freeTailPagesCheck(cpu, page, p) {
				bad++
			}
			if a.freePagesCheck(cpu, p) {
				bad++
				continue
			}
			p.clearFlag(flagsCheckAtPrep)
		}
	}
	if checkFree && a.freePagesCheck(cpu, page) {
		bad++
	}
	if bad > 0 {
		return false
	}
	page.clearFlag(flagsCheckAtPrep)
	page.compoundOrder = 0
	return true
}

// checkNewPage reports whether a page taken off a free list is corrupted
func (a *Allocator) checkNewPage(cpu int, page *Page) bool {
	if pageExpectedState(page, flagsCheckAtPrep) {
		return false
	}
	var reason string
	var badFlags PageFlags
	if page.mapcount.Load() != -1 {
		reason = "nonzero mapcount"
	}
	if page.refcount.Load() != 0 {
		reason = "nonzero _count"
	}
	if page.Flags()&flagsCheckAtPrep != 0 {
		reason = "PAGE_FLAGS_CHECK_AT_PREP flag set"
		badFlags = flagsCheckAtPrep
	}
	a.badPage(cpu, page, reason, badFlags)
	return true
}

func (a *Allocator) checkNewPages(cpu int, page *Page, order int) bool {
	for i := 0; i < 1<<order; i++ {
		if a.checkNewPage(cpu, a.nthPage(page, i)) {
			return true
		}
	}
	return false
}

func (a *Allocator) prepCompoundPage(page *Page, order int) {
	page.compoundOrder = uint8(order)
	page.setFlag(PGHead)
	for i := 1; i < 1<<order; i++ {
		p := a.nthPage(page, i)
		p.setPageCount(0)
		setCompoundHead(p, page)
	}
}

func (a *Allocator) prepNewPage(page *Page, order int, gfp GFP) {
	page.private = 0
	page.initPageCount()
	if gfp&GFPZero != 0 {
		a.arena.Zero(physmem.PFNPhys(page.pfn), physmem.PageSize<<order)
	}
	if order > 0 {
		a.prepCompoundPage(page, order)
	}
}

// rmqueue takes a block from the zone, order-0 pages through cpu's list
func (a *Allocator) rmqueue(cpu int, z *Zone, order int) *Page {
	if order == 0 {
		return z.rmqueuePCPList(cpu)
	}
	z.lock.Lock()
	defer z.lock.Unlock()
	for {
		page := z.rmqueueSmallest(order)
		if page == nil || !a.checkNewPages(cpu, page, order) {
			return page
		}
	}
}

// getPageFromFreelist allocates from z, draining the other CPUs' cached
// pages and retrying for as long as that frees something
func (a *Allocator) getPageFromFreelist(cpu int, gfp GFP, order int, z *Zone) *Page {
	for {
		if page := a.rmqueue(cpu, z, order); page != nil {
			a.prepNewPage(page, order, gfp)
			return page
		}
		if !a.drainOthers(cpu, z) {
			return nil
		}
	}
}

func gfpZone(gfp GFP) (ZoneType, error) {
	switch gfp & (GFPDMA | GFPMovable) {
	case GFPDMA:
		return ZoneDMA, nil
	case GFPMovable:
		return ZoneMovable, nil
	case 0:
		return ZoneNormal, nil
	}
	return 0, ErrInvalidZone
}

func (a *Allocator) lockCPU(cpu int) *percpu.CPU {
	c := a.cpus.Get(cpu)
	c.LocalIRQSave()
	return c
}

// allocPages is AllocPages for callers already holding cpu's irq lock
func (a *Allocator) allocPages(cpu int, gfp GFP, order int) (*Page, error) {
	if order < 0 || order >= MaxOrder {
		if gfp&GFPNoWarn == 0 {
			klog.Warn("page allocation of order %d refused, max order is %d", order, MaxOrder-1)
		}
		return nil, ErrOrderTooLarge
	}
	zt, err := gfpZone(gfp)
	if err != nil {
		return nil, err
	}
	z := &a.zones[zt]
	page := a.getPageFromFreelist(cpu, gfp, order, z)
	if page == nil {
		if gfp&GFPNoWarn == 0 {
			klog.Warn("cpu %d: page allocation failure: order:%d, mode:%#x, zone %s", cpu, order, uint32(gfp), z.Name())
		}
		return nil, ErrNoMemory
	}
	return page, nil
}

// AllocPages allocates 2^order contiguous pages. Blocks of order above
// zero are compound: the returned head page describes all of them.
func (a *Allocator) AllocPages(cpu int, gfp GFP, order int) (*Page, error) {
	c := a.lockCPU(cpu)
	defer c.LocalIRQRestore()
	return a.allocPages(cpu, gfp, order)
}

// AllocPage allocates a single page
func (a *Allocator) AllocPage(cpu int, gfp GFP) (*Page, error) {
	return a.AllocPages(cpu, gfp, 0)
}

// GetFreePages allocates 2^order pages and returns their linear address
func (a *Allocator) GetFreePages(cpu int, gfp GFP, order int) (physmem.VirtAddr, error) {
	page, err := a.AllocPages(cpu, gfp, order)
	if err != nil {
		return 0, err
	}
	return a.PageAddress(page), nil
}

// GetFreePage allocates one page and returns its linear address
func (a *Allocator) GetFreePage(cpu int, gfp GFP) (physmem.VirtAddr, error) {
	return a.GetFreePages(cpu, gfp, 0)
}

// GetZeroedPage allocates one cleared page
func (a *Allocator) GetZeroedPage(cpu int, gfp GFP) (physmem.VirtAddr, error) {
	return a.GetFreePages(cpu, gfp|GFPZero, 0)
}

func (a *Allocator) freeThePage(cpu int, page *Page, order int) error {
	if order == 0 {
		return a.freeUnrefPage(cpu, page)
	}
	return a.freePagesOk(cpu, page, order)
}

func (a *Allocator) freePagesOk(cpu int, page *Page, order int) error {
	if !a.freePagesPrepare(cpu, page, order, true) {
		return ErrBadPage
	}
	a.pageZone(page).freeOnePageLocked(page, order)
	return nil
}

// putPageTestZero drops a reference and reports whether it was the last
func (a *Allocator) putPageTestZero(page *Page) (bool, error) {
	n := page.refcount.Add(-1)
	if n < 0 {
		page.refcount.Add(1)
		a.bad.total.Add(1)
		klog.Error("BUG: reference dropped on free page pfn:%05x", page.pfn)
		return false, ErrBadPage
	}
	return n == 0, nil
}

func (a *Allocator) freePages(cpu int, page *Page, order int) error {
	last, err := a.putPageTestZero(page)
	if !last {
		return err
	}
	return a.freeThePage(cpu, page, order)
}

// FreePages drops a reference to a block of 2^order pages and frees it
// when that was the last one
func (a *Allocator) FreePages(cpu int, page *Page, order int) error {
	if page == nil {
		return nil
	}
	c := a.lockCPU(cpu)
	defer c.LocalIRQRestore()
	return a.freePages(cpu, page, order)
}

// FreePagesAddr is FreePages by linear address. A zero address is ignored.
func (a *Allocator) FreePagesAddr(cpu int, va physmem.VirtAddr, order int) error {
	if va == 0 {
		return nil
	}
	page := a.VirtToPage(va)
	if page == nil {
		return ErrInvalidAddress
	}
	return a.FreePages(cpu, page, order)
}

// GetPage takes a reference on the page, or on its compound head
func (a *Allocator) GetPage(page *Page) {
	compoundHead(page).refcount.Add(1)
}

func (a *Allocator) putPage(cpu int, page *Page) error {
	page = compoundHead(page)
	last, err := a.putPageTestZero(page)
	if !last {
		return err
	}
	if page.testFlag(PGHead) {
		return a.freePagesOk(cpu, page, page.CompoundOrder())
	}
	return a.freeUnrefPage(cpu, page)
}

// PutPage drops a reference taken with GetPage or by allocation
func (a *Allocator) PutPage(cpu int, page *Page) error {
	c := a.lockCPU(cpu)
	defer c.LocalIRQRestore()
	return a.putPage(cpu, page)
}

// PageToPFN returns the frame number of page
func (a *Allocator) PageToPFN(page *Page) uint64 { return page.pfn }

// PFNToPage returns the descriptor of pfn, nil outside of memory
func (a *Allocator) PFNToPage(pfn uint64) *Page { return a.pfnToPage(pfn) }

// PageAddress returns the linear address of page
func (a *Allocator) PageAddress(page *Page) physmem.VirtAddr {
	return physmem.PFNPhys(page.pfn).Virt()
}

// VirtAddrValid reports whether va is a linear address of known memory
func (a *Allocator) VirtAddrValid(va physmem.VirtAddr) bool {
	return va.IsLinear() && a.pfnValid(va.Phys().PFN())
}

// VirtToPage returns the descriptor of the page holding va
func (a *Allocator) VirtToPage(va physmem.VirtAddr) *Page {
	if !va.IsLinear() {
		return nil
	}
	return a.pfnToPage(va.Phys().PFN())
}

// VirtToHeadPage is VirtToPage resolved to the compound head
func (a *Allocator) VirtToHeadPage(va physmem.VirtAddr) *Page {
	page := a.VirtToPage(va)
	if page == nil {
		return nil
	}
	return compoundHead(page)
}
