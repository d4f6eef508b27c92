package hybrid

import (
	"fmt"
	"math/bits"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// sizes 1..192 in steps of 8, mapped to kmalloc cache indices. Index 1 is
// the 96 byte cache and index 2 the 192 byte one; the rest are powers of two.
var defaultSizeIndex = [24]int8{
	3, // 8
	4, // 16
	5, // 24
	5, // 32
	6, // 40
	6, // 48
	6, // 56
	6, // 64
	1, // 72
	1, // 80
	1, // 88
	1, // 96
	7, // 104
	7, // 112
	7, // 120
	7, // 128
	2, // 136
	2, // 144
	2, // 152
	2, // 160
	2, // 168
	2, // 176
	2, // 184
	2, // 192
}

func (a *Allocator) createKmallocCache(name string, size uint64, flags SlabFlags) *KmemCache {
	a.slubLock.Lock()
	defer a.slubLock.Unlock()
	s, err := a.kmemCacheOpen(name, size, uint64(a.opts.KmallocMinAlign), flags, nil)
	if err != nil {
		klog.Panic("Creation of kmalloc slab %s size=%d failed: %v", name, size, err)
	}
	a.slabCaches = append(a.slabCaches, s)
	return s
}

// kmemCacheInit creates the kmalloc caches and their DMA twins
func (a *Allocator) kmemCacheInit() {
	minSize := a.opts.KmallocMinAlign
	a.kmallocMinSize = minSize
	a.kmallocShiftLow = bits.Len(uint(minSize)) - 1
	a.sizeIndex = defaultSizeIndex
	a.slabState.Store(int32(slabPartial))

	caches := 0
	create := func(i int, size uint64) {
		a.kmallocCaches[i] = a.createKmallocCache("kmalloc", size, 0)
		a.kmallocDMACaches[i] = a.createKmallocCache("dma-kmalloc", size, SlabCacheDMA)
		caches++
	}
	if minSize <= 64 {
		create(1, 96)
	}
	if minSize <= 128 {
		create(2, 192)
	}
	for i := a.kmallocShiftLow; i < physmem.PageShift; i++ {
		create(i, 1<<i)
	}

	// small sizes fold into the first cache that honours the alignment
	for i := 8; i < minSize && (i-1)/8 < len(a.sizeIndex); i += 8 {
		a.sizeIndex[(i-1)/8] = int8(a.kmallocShiftLow)
	}

	a.slabState.Store(int32(slabUp))

	for i, s := range a.kmallocCaches {
		if s == nil {
			continue
		}
		size := s.objsize
		if i > 2 {
			size = 1 << i
		}
		s.name = fmt.Sprintf("kmalloc-%d", size)
		a.kmallocDMACaches[i].name = fmt.Sprintf("dma-kmalloc-%d", size)
	}

	klog.Info("SLUB: Genslabs=%d, HWalign=%d, Order=%d-%d, MinObjects=%d, CPUs=%d",
		caches, physmem.CacheLineSize, a.opts.SlabMinOrder, a.opts.SlabMaxOrder,
		a.opts.SlabMinObjects, a.cpus.Len())
}

// getSlab returns the kmalloc cache for size, nil for size 0
func (a *Allocator) getSlab(size uint64, gfp GFP) *KmemCache {
	var index int
	if size <= 192 {
		if size == 0 {
			return nil
		}
		index = int(a.sizeIndex[(size-1)/8])
	} else {
		index = bits.Len64(size - 1)
	}
	if gfp&GFPDMA != 0 {
		return a.kmallocDMACaches[index]
	}
	return a.kmallocCaches[index]
}

// getOrder returns the smallest order whose block holds size bytes
func getOrder(size uint64) int {
	if size == 0 {
		return 0
	}
	return bits.Len64((size - 1) >> physmem.PageShift)
}

// KmallocCache returns the cache Kmalloc serves size from, nil when
// size is zero or goes to the page allocator
func (a *Allocator) KmallocCache(size uint64, gfp GFP) *KmemCache {
	if size > physmem.PageSize/2 {
		return nil
	}
	return a.getSlab(size, gfp)
}

// Kmalloc allocates size bytes. Sizes above half a page come straight from
// the page allocator. Size zero returns ZeroSizePtr, which must not be
// dereferenced but may be passed to Kfree.
func (a *Allocator) Kmalloc(cpu int, size uint64, gfp GFP) (physmem.VirtAddr, error) {
	if size > physmem.PageSize/2 {
		return a.GetFreePages(cpu, gfp, getOrder(size))
	}
	s := a.getSlab(size, gfp)
	if s == nil {
		return ZeroSizePtr, nil
	}
	return s.slabAlloc(cpu, gfp)
}

// Kzalloc is Kmalloc returning zeroed memory
func (a *Allocator) Kzalloc(cpu int, size uint64, gfp GFP) (physmem.VirtAddr, error) {
	return a.Kmalloc(cpu, size, gfp|GFPZero)
}

// KmallocArray allocates n elements of size bytes
func (a *Allocator) KmallocArray(cpu int, n, size uint64, gfp GFP) (physmem.VirtAddr, error) {
	hi, total := bits.Mul64(n, size)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d x %d", ErrOverflow, n, size)
	}
	return a.Kmalloc(cpu, total, gfp)
}

// Kcalloc is KmallocArray returning zeroed memory
func (a *Allocator) Kcalloc(cpu int, n, size uint64, gfp GFP) (physmem.VirtAddr, error) {
	return a.KmallocArray(cpu, n, size, gfp|GFPZero)
}

// Ksize returns how many bytes of the allocation at obj are usable
func (a *Allocator) Ksize(obj physmem.VirtAddr) (uint64, error) {
	if obj == ZeroSizePtr {
		return 0, nil
	}
	page := a.VirtToHeadPage(obj)
	if page == nil {
		return 0, ErrInvalidAddress
	}
	if !page.testFlag(PGSlab) {
		return physmem.PageSize << page.CompoundOrder(), nil
	}
	s := page.slab
	switch {
	case s.flags&(SlabRedZone|SlabPoison) != 0:
		return s.objsize, nil
	case s.flags&SlabStoreUser != 0:
		return s.inuse, nil
	}
	return s.size, nil
}

// Kfree releases memory from Kmalloc. Zero and ZeroSizePtr are ignored.
func (a *Allocator) Kfree(cpu int, obj physmem.VirtAddr) error {
	if obj <= ZeroSizePtr {
		return nil
	}
	page := a.VirtToHeadPage(obj)
	if page == nil {
		return fmt.Errorf("%w: kfree(%v)", ErrInvalidAddress, obj)
	}
	if !page.testFlag(PGSlab) {
		return a.PutPage(cpu, page)
	}
	s := page.slab
	if !s.checkValidPointer(page, obj) {
		klog.Error("kfree(%v): not an object start in slab %s", obj, s.name)
		return ErrInvalidAddress
	}
	s.slabFree(cpu, page, obj)
	return nil
}
