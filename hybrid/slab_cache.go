package hybrid

import (
	"fmt"
	"math/bits"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

func calculateAlignment(flags SlabFlags, align, size uint64) uint64 {
	if flags&SlabHWCacheAlign != 0 && size > physmem.CacheLineSize/2 {
		return max(align, physmem.CacheLineSize)
	}
	if align < ARCHSlabMinAlign {
		return ARCHSlabMinAlign
	}
	return physmem.RoundUp(align, wordSize)
}

// slabOrder returns the lowest order up to maxOrder whose slab holds
// minObjects objects and wastes at most 1/fract of itself, or maxOrder+1
func (a *Allocator) slabOrder(size uint64, minObjects, maxOrder, fract int) int {
	order := max(a.opts.SlabMinOrder, bits.Len64(uint64(minObjects)*size-1)-physmem.PageShift)
	for ; order <= maxOrder; order++ {
		slabSize := uint64(physmem.PageSize) << order
		if slabSize < uint64(minObjects)*size {
			continue
		}
		if slabSize%size <= slabSize/uint64(fract) {
			break
		}
	}
	return order
}

// calculateOrder relaxes first the waste bound, then the object count,
// until a layout within SlabMaxOrder fits
func (a *Allocator) calculateOrder(size uint64) (int, error) {
	maxOrder := a.opts.SlabMaxOrder
	for minObjects := a.opts.SlabMinObjects; minObjects > 1; minObjects /= 2 {
		for fraction := 8; fraction >= 4; fraction /= 2 {
			if order := a.slabOrder(size, minObjects, maxOrder, fraction); order <= maxOrder {
				return order, nil
			}
		}
	}
	if order := a.slabOrder(size, 1, maxOrder, 1); order <= maxOrder {
		return order, nil
	}
	if order := a.slabOrder(size, 1, MaxOrder-1, 1); order <= MaxOrder-1 {
		return order, nil
	}
	return 0, ErrNoSlabOrder
}

// calculateSizes lays out an object: payload, the free pointer when it
// cannot live inside the payload, and padding up to the alignment
func (s *KmemCache) calculateSizes() error {
	flags := s.flags
	if flags&SlabPoison != 0 && !s.hasCtor {
		s.flags |= objectPoison
	} else {
		s.flags &^= objectPoison
	}

	size := physmem.RoundUp(s.objsize, wordSize)
	s.inuse = size
	if flags&SlabPoison != 0 || s.hasCtor {
		s.offset = size
		size += wordSize
	}

	align := calculateAlignment(flags, s.align, s.objsize)
	size = physmem.RoundUp(size, align)
	s.size = size

	order, err := s.a.calculateOrder(size)
	if err != nil {
		return err
	}
	s.order = order
	s.objects = (physmem.PageSize << order) / size
	if s.objects == 0 {
		return ErrNoSlabOrder
	}
	return nil
}

func (a *Allocator) kmemCacheOpen(name string, size, align uint64, flags SlabFlags, ctor Constructor) (*KmemCache, error) {
	s := &KmemCache{
		a:          a,
		name:       name,
		objsize:    size,
		align:      align,
		flags:      flags,
		ctor:       noopCtor{},
		minPartial: a.opts.MinPartial,
	}
	if ctor != nil {
		s.ctor, s.hasCtor = ctor, true
	}
	s.node.partial = a.newPageList()

	err := ErrNoSlabOrder
	if size > 0 && align&(align-1) == 0 {
		err = s.calculateSizes()
	}
	if err != nil {
		if flags&SlabPanic != 0 {
			klog.Panic("Cannot create slab %s size=%d realsize=%d order=%d offset=%d flags=%#x",
				name, size, s.size, s.order, s.offset, uint32(flags))
		}
		return nil, fmt.Errorf("slab %s size %d align %d: %w", name, size, align, err)
	}

	s.refcount = 1
	s.cpuSlab = percpu.NewArea(a.cpus.Len(), func(cpu int, c *kmemCacheCPU) {
		c.offset = s.offset
		c.objsize = s.objsize
	})
	return s, nil
}

func slabUnmergeable(s *KmemCache) bool {
	return s.flags&slubNeverMerge != 0 || s.hasCtor || s.refcount < 0
}

// findMergeable looks for a cache whose objects could serve size without
// wasting a word. Call with slubLock held.
func (a *Allocator) findMergeable(size, align uint64, flags SlabFlags, ctor Constructor) *KmemCache {
	if flags&slubNeverMerge != 0 || ctor != nil {
		return nil
	}
	size = physmem.RoundUp(size, wordSize)
	align = calculateAlignment(flags, align, size)
	size = physmem.RoundUp(size, align)

	// newest first
	for i := len(a.slabCaches) - 1; i >= 0; i-- {
		s := a.slabCaches[i]
		if slabUnmergeable(s) {
			continue
		}
		if size > s.size {
			continue
		}
		if flags&slubMergeSame != s.flags&slubMergeSame {
			continue
		}
		if s.size&^(align-1) != s.size {
			continue
		}
		if s.size-size >= wordSize {
			continue
		}
		return s
	}
	return nil
}

// KmemCacheCreate creates a cache of objects of the given size. A
// compatible existing cache is shared instead when possible. align must be
// zero or a power of two. With SlabPanic a failure panics.
func (a *Allocator) KmemCacheCreate(name string, size, align uint64, flags SlabFlags, ctor Constructor) (*KmemCache, error) {
	a.slubLock.Lock()
	if s := a.findMergeable(size, align, flags, ctor); s != nil {
		s.refcount++
		// kzalloc clears the whole of the largest user's object
		s.objsize = max(s.objsize, size)
		a.cpus.OnEachCPU(func(cpu int) {
			s.cpuSlab.Ptr(cpu).objsize = s.objsize
		})
		s.inuse = max(s.inuse, physmem.RoundUp(size, wordSize))
		a.slubLock.Unlock()
		klog.Debug("slab %s merged into %s", name, s.name)
		return s, nil
	}

	s, err := a.kmemCacheOpen(name, size, align, flags, ctor)
	if err == nil {
		a.slabCaches = append(a.slabCaches, s)
	}
	a.slubLock.Unlock()
	if err != nil {
		if flags&SlabPanic != 0 {
			klog.Panic("Cannot create slabcache %s", name)
		}
		return nil, err
	}
	return s, nil
}

// KmemCacheDestroy drops a reference to s. The last reference releases
// its slabs; ErrCacheBusy reports objects that were never freed, which
// stay allocated.
func (a *Allocator) KmemCacheDestroy(cpu int, s *KmemCache) error {
	a.slubLock.Lock()
	s.refcount--
	if s.refcount > 0 {
		a.slubLock.Unlock()
		return nil
	}
	for i, c := range a.slabCaches {
		if c == s {
			a.slabCaches = append(a.slabCaches[:i], a.slabCaches[i+1:]...)
			break
		}
	}
	a.slubLock.Unlock()

	if s.close(cpu) {
		klog.Error("SLUB %s: kmem_cache_destroy called for cache that still has objects", s.name)
		return ErrCacheBusy
	}
	return nil
}

// SlabIsAvailable reports whether kmalloc can be used
func (a *Allocator) SlabIsAvailable() bool {
	return slabState(a.slabState.Load()) >= slabUp
}
