package hybrid

import (
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// perCPUPages caches order-0 pages for one CPU in one zone. It is only
// touched with that CPU's irq lock held.
type perCPUPages struct {
	count int
	high  int
	batch int
	list  pageList
}

// zoneBatchSize sizes the per-CPU lists at about a thousandth of the zone,
// at most a megabyte, clamped to 2^n-1
func zoneBatchSize(managed int64) int {
	batch := int(managed / 1024)
	if batch*physmem.PageSize > 1024*1024 {
		batch = 1024 * 1024 / physmem.PageSize
	}
	batch /= 4
	if batch < 1 {
		batch = 1
	}
	return roundDownPowOfTwo(batch+batch/2) - 1
}

func roundDownPowOfTwo(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

func (pcp *perCPUPages) setHighAndBatch(high, batch int) {
	pcp.high = high
	pcp.batch = max(1, batch)
}

func (z *Zone) setupPageset(opts Options) {
	batch := opts.PCPBatch
	if batch == 0 {
		batch = zoneBatchSize(z.managed.Load())
	}
	high := opts.PCPHigh
	if high == 0 {
		high = 6 * batch
	}
	z.pageset.Each(func(cpu int, pcp *perCPUPages) {
		pcp.setHighAndBatch(high, batch)
	})
	klog.Debug("%s zone: pcp high %d batch %d", z.Name(), high, max(1, batch))
}

// freePCPPagesBulk returns count pages from the cold end of a per-CPU list
// to the buddy lists
func (z *Zone) freePCPPagesBulk(count int, pcp *perCPUPages) {
	count = min(count, pcp.count)
	batch := make([]*Page, 0, count)
	for ; count > 0 && !pcp.list.empty(); count-- {
		page := pcp.list.back()
		pcp.list.remove(page)
		pcp.count--
		batch = append(batch, page)
	}

	z.lock.Lock()
	for _, page := range batch {
		z.freeOnePage(page, page.pfn, 0)
	}
	z.lock.Unlock()
}

// rmqueuePCPList takes a page off cpu's list, refilling it from the zone
// when empty. Pages failing the allocation checks are skipped.
func (z *Zone) rmqueuePCPList(cpu int) *Page {
	pcp := z.pageset.Ptr(cpu)
	for {
		if pcp.list.empty() {
			pcp.count += z.rmqueueBulk(0, pcp.batch, &pcp.list)
			if pcp.list.empty() {
				return nil
			}
		}
		page := pcp.list.front()
		pcp.list.remove(page)
		pcp.count--
		if !z.a.checkNewPage(cpu, page) {
			return page
		}
	}
}

// freeUnrefPage puts an order-0 page on cpu's list
func (a *Allocator) freeUnrefPage(cpu int, page *Page) error {
	if !a.freePagesPrepare(cpu, page, 0, true) {
		return ErrBadPage
	}
	z := a.pageZone(page)
	pcp := z.pageset.Ptr(cpu)
	pcp.list.pushFront(page)
	pcp.count++
	if pcp.count >= pcp.high {
		z.freePCPPagesBulk(pcp.batch, pcp)
	}
	return nil
}

// drainPagesZone empties cpu's list for the zone. The caller holds cpu's
// irq lock.
func (z *Zone) drainPagesZone(cpu int) bool {
	pcp := z.pageset.Ptr(cpu)
	if pcp.count == 0 {
		return false
	}
	z.freePCPPagesBulk(pcp.count, pcp)
	return true
}

// DrainPages returns every page cached by cpu to the buddy lists
func (a *Allocator) DrainPages(cpu int) {
	c := a.cpus.Get(cpu)
	c.LocalIRQSave()
	defer c.LocalIRQRestore()
	for i := range a.zones {
		a.zones[i].drainPagesZone(cpu)
	}
}

// DrainAllPages drains the per-CPU lists of every CPU
func (a *Allocator) DrainAllPages() {
	a.cpus.OnEachCPU(func(cpu int) {
		for i := range a.zones {
			a.zones[i].drainPagesZone(cpu)
		}
	})
}

// drainOthers drains the zone's lists on every CPU but cpu. CPUs busy with
// their own lock are skipped rather than waited for.
func (a *Allocator) drainOthers(cpu int, z *Zone) bool {
	drained := false
	for other := 0; other < a.cpus.Len(); other++ {
		if other == cpu {
			continue
		}
		c := a.cpus.Get(other)
		if !c.TryLocalIRQSave() {
			continue
		}
		if z.drainPagesZone(other) {
			drained = true
		}
		c.LocalIRQRestore()
	}
	return drained
}
