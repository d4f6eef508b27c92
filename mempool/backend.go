package mempool

import (
	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

type slabBackend struct {
	a *hybrid.Allocator
	s *hybrid.KmemCache
}

func (b slabBackend) Alloc(cpu int, gfp hybrid.GFP) (physmem.VirtAddr, error) {
	return b.a.KmemCacheAlloc(cpu, b.s, gfp)
}

func (b slabBackend) Free(cpu int, va physmem.VirtAddr) error {
	return b.a.KmemCacheFree(cpu, b.s, va)
}

// SlabBackend allocates objects from a slab cache
func SlabBackend(a *hybrid.Allocator, s *hybrid.KmemCache) Backend {
	return slabBackend{a: a, s: s}
}

type kmallocBackend struct {
	a    *hybrid.Allocator
	size uint64
}

func (b kmallocBackend) Alloc(cpu int, gfp hybrid.GFP) (physmem.VirtAddr, error) {
	return b.a.Kmalloc(cpu, b.size, gfp)
}

func (b kmallocBackend) Free(cpu int, va physmem.VirtAddr) error {
	return b.a.Kfree(cpu, va)
}

// KmallocBackend allocates size bytes with kmalloc
func KmallocBackend(a *hybrid.Allocator, size uint64) Backend {
	return kmallocBackend{a: a, size: size}
}

type pageBackend struct {
	a     *hybrid.Allocator
	order int
}

func (b pageBackend) Alloc(cpu int, gfp hybrid.GFP) (physmem.VirtAddr, error) {
	return b.a.GetFreePages(cpu, gfp, b.order)
}

func (b pageBackend) Free(cpu int, va physmem.VirtAddr) error {
	return b.a.FreePagesAddr(cpu, va, b.order)
}

// PageBackend allocates blocks of 2^order pages
func PageBackend(a *hybrid.Allocator, order int) Backend {
	return pageBackend{a: a, order: order}
}

// NewSlabPool creates a pool of objects from s
func NewSlabPool(a *hybrid.Allocator, cpu int, minNr int, s *hybrid.KmemCache) (*Pool, error) {
	return New(cpu, s.Name(), minNr, SlabBackend(a, s))
}

// NewKmallocPool creates a pool of size byte kmalloc buffers
func NewKmallocPool(a *hybrid.Allocator, cpu int, minNr int, size uint64) (*Pool, error) {
	if size == 0 {
		return nil, ErrInvalid
	}
	return New(cpu, "kmalloc-pool", minNr, KmallocBackend(a, size))
}

// NewPagePool creates a pool of 2^order page blocks
func NewPagePool(a *hybrid.Allocator, cpu int, minNr int, order int) (*Pool, error) {
	if order < 0 || order >= hybrid.MaxOrder {
		return nil, ErrInvalid
	}
	return New(cpu, "page-pool", minNr, PageBackend(a, order))
}
