package hybrid

import (
	"errors"
	"testing"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

func slabInfo(t *testing.T, a *Allocator, name string) SlabInfo {
	t.Helper()
	for _, si := range a.SlabInfo() {
		if si.Name == name {
			return si
		}
	}
	t.Fatalf("no slab cache %q", name)
	return SlabInfo{}
}

func TestSlabLayout(t *testing.T) {
	a := newMachine(t, 16*MB, DefaultOptions(), nil)
	ctor := CtorFunc(func([]byte) {})

	tests := []struct {
		name    string
		size    uint64
		align   uint64
		flags   SlabFlags
		ctor    Constructor
		stride  uint64
		offset  uint64
		objects uint64
		order   int
	}{
		{"word", 8, 0, 0, nil, 8, 0, 512, 0},
		{"odd size", 100, 0, 0, nil, 104, 0, 39, 0},
		{"constructor", 100, 0, 0, ctor, 112, 104, 36, 0},
		{"hw cache align", 100, 0, SlabHWCacheAlign, nil, 128, 0, 32, 0},
		{"hw cache align small", 20, 0, SlabHWCacheAlign, nil, 24, 0, 170, 0},
		{"explicit align", 40, 32, 0, nil, 64, 0, 64, 0},
		{"four per page", 1000, 0, 0, nil, 1000, 0, 4, 0},
		{"one per page", 3000, 0, 0, nil, 3000, 0, 1, 0},
		{"two pages", 5000, 0, 0, nil, 5000, 0, 1, 1},
		{"beyond slab max order", 20000, 0, 0, nil, 20000, 0, 1, 3},
		{"poison", 64, 0, SlabPoison, nil, 72, 64, 56, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := a.kmemCacheOpen(tt.name, tt.size, tt.align, tt.flags, tt.ctor)
			if err != nil {
				t.Fatalf("kmemCacheOpen: %v", err)
			}
			if s.size != tt.stride || s.offset != tt.offset || s.objects != tt.objects || s.order != tt.order {
				t.Errorf("size %d offset %d objects %d order %d, want %d %d %d %d",
					s.size, s.offset, s.objects, s.order, tt.stride, tt.offset, tt.objects, tt.order)
			}
			if s.objects*s.size > physmem.PageSize<<s.order {
				t.Errorf("objects overflow the slab")
			}
		})
	}

	t.Run("No usable layout", func(t *testing.T) {
		for _, c := range []struct{ size, align uint64 }{{8 * MB, 0}, {0, 0}, {64, 24}} {
			if _, err := a.KmemCacheCreate("bad", c.size, c.align, 0, nil); !errors.Is(err, ErrNoSlabOrder) {
				t.Errorf("size %d align %d: expected ErrNoSlabOrder, got %v", c.size, c.align, err)
			}
		}
	})

	t.Run("Panic on failure", func(t *testing.T) {
		b := newMachine(t, 16*MB, DefaultOptions(), nil)
		defer func() {
			if recover() == nil {
				t.Fatalf("SlabPanic cache creation did not panic")
			}
		}()
		b.KmemCacheCreate("huge", 8*MB, 0, SlabPanic, nil)
	})
}

func TestSlabMerge(t *testing.T) {
	a := newMachine(t, 16*MB, DefaultOptions(), nil)

	t.Run("Into kmalloc cache", func(t *testing.T) {
		s, err := a.KmemCacheCreate("inode", 128, 0, 0, nil)
		if err != nil {
			t.Fatalf("KmemCacheCreate: %v", err)
		}
		if s.Name() != "kmalloc-128" {
			t.Fatalf("merged into %s", s.Name())
		}
		if si := slabInfo(t, a, "kmalloc-128"); si.Refcount != 2 {
			t.Fatalf("refcount %d", si.Refcount)
		}
		if err := a.KmemCacheDestroy(0, s); err != nil {
			t.Fatalf("KmemCacheDestroy: %v", err)
		}
		if si := slabInfo(t, a, "kmalloc-128"); si.Refcount != 1 {
			t.Fatalf("refcount %d after destroy", si.Refcount)
		}
	})

	t.Run("Close sizes", func(t *testing.T) {
		foo, err := a.KmemCacheCreate("foo", 40, 0, 0, nil)
		if err != nil {
			t.Fatalf("KmemCacheCreate: %v", err)
		}
		bar, _ := a.KmemCacheCreate("bar", 36, 0, 0, nil)
		if bar != foo {
			t.Fatalf("36 byte cache not merged into the 40 byte one")
		}
		if foo.Size() != 40 {
			t.Errorf("merged size %d", foo.Size())
		}
		baz, _ := a.KmemCacheCreate("baz", 44, 0, 0, nil)
		if baz == foo {
			t.Fatalf("44 byte cache merged into the 40 byte one")
		}
	})

	t.Run("Never merged", func(t *testing.T) {
		ctor := CtorFunc(func([]byte) {})
		withCtor, _ := a.KmemCacheCreate("ctor", 40, 0, 0, ctor)
		if withCtor.Name() != "ctor" {
			t.Errorf("cache with constructor merged into %s", withCtor.Name())
		}
		again, _ := a.KmemCacheCreate("ctor2", 40, 0, 0, ctor)
		if again == withCtor {
			t.Errorf("merged into a cache with a constructor")
		}
		poisoned, _ := a.KmemCacheCreate("poisoned", 40, 0, SlabPoison, nil)
		if poisoned.Name() != "poisoned" {
			t.Errorf("poisoned cache merged into %s", poisoned.Name())
		}
		dma, _ := a.KmemCacheCreate("dma", 40, 0, SlabCacheDMA, nil)
		if dma.Name() != "dma" {
			t.Errorf("DMA cache merged into %s", dma.Name())
		}
	})
}

func TestSlabAllocFree(t *testing.T) {
	a := newMachine(t, 16*MB, pcpOptions(), nil)

	t.Run("Constructor", func(t *testing.T) {
		calls := 0
		s, err := a.KmemCacheCreate("ctor", 100, 0, 0, CtorFunc(func(obj []byte) {
			calls++
			for i := range obj {
				obj[i] = 0xab
			}
		}))
		if err != nil {
			t.Fatalf("KmemCacheCreate: %v", err)
		}
		obj, err := a.KmemCacheAlloc(0, s, GFPKernel)
		if err != nil {
			t.Fatalf("KmemCacheAlloc: %v", err)
		}
		if uint64(calls) != s.ObjectsPerSlab() {
			t.Errorf("constructor ran %d times for a slab of %d", calls, s.ObjectsPerSlab())
		}
		buf, _ := a.Memory(obj, 100)
		for i, b := range buf {
			if b != 0xab {
				t.Fatalf("byte %d not constructed: %#x", i, b)
			}
		}
		if err := a.KmemCacheFree(0, s, obj); err != nil {
			t.Fatalf("KmemCacheFree: %v", err)
		}
		if err := a.KmemCacheDestroy(0, s); err != nil {
			t.Fatalf("KmemCacheDestroy: %v", err)
		}
	})

	t.Run("Poison", func(t *testing.T) {
		s, _ := a.KmemCacheCreate("poison", 64, 0, SlabPoison, nil)
		obj, err := a.KmemCacheAlloc(1, s, GFPKernel)
		if err != nil {
			t.Fatalf("KmemCacheAlloc: %v", err)
		}
		buf, _ := a.Memory(obj, 64)
		for i, b := range buf {
			if b != poisonInuse {
				t.Fatalf("byte %d not poisoned: %#x", i, b)
			}
		}
		if n, _ := a.Ksize(obj); n != 64 {
			t.Errorf("Ksize of a poisoned object %d", n)
		}
		a.KmemCacheFree(1, s, obj)
		a.KmemCacheDestroy(1, s)
	})

	t.Run("Zeroed", func(t *testing.T) {
		s, _ := a.KmemCacheCreate("zeroed", 200, 0, 0, nil)
		obj, _ := a.KmemCacheAlloc(0, s, GFPKernel)
		buf, _ := a.Memory(obj, 200)
		for i := range buf {
			buf[i] = 0xff
		}
		a.KmemCacheFree(0, s, obj)
		again, _ := a.KmemCacheAlloc(0, s, GFPZero)
		if again != obj {
			t.Fatalf("freed object not reused: %v then %v", obj, again)
		}
		buf, _ = a.Memory(again, 200)
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("byte %d not zeroed: %#x", i, b)
			}
		}
		a.KmemCacheFree(0, s, again)
		a.KmemCacheDestroy(0, s)
	})

	t.Run("Pointer validation", func(t *testing.T) {
		s, _ := a.KmemCacheCreate("valid", 200, 0, 0, nil)
		other, _ := a.KmemCacheCreate("other", 300, 0, 0, nil)
		obj, _ := a.KmemCacheAlloc(0, s, GFPKernel)

		if !a.KmemPtrValidate(s, obj) {
			t.Errorf("object not valid in its own cache")
		}
		if a.KmemPtrValidate(s, obj+8) {
			t.Errorf("misaligned pointer validated")
		}
		if a.KmemPtrValidate(other, obj) {
			t.Errorf("object validated in the wrong cache")
		}
		page, _ := a.GetFreePage(0, GFPKernel)
		if a.KmemPtrValidate(s, page) {
			t.Errorf("non-slab page validated")
		}
		a.FreePagesAddr(0, page, 0)

		if err := a.KmemCacheFree(0, other, obj); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("free to the wrong cache: %v", err)
		}
		if err := a.KmemCacheFree(0, s, obj+8); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("misaligned free: %v", err)
		}
		if s.ActiveObjects() != 1 {
			t.Errorf("refused frees changed the active count: %d", s.ActiveObjects())
		}
		if err := a.KmemCacheFree(0, s, obj); err != nil {
			t.Fatalf("KmemCacheFree: %v", err)
		}
	})

	t.Run("Partial lists", func(t *testing.T) {
		s, _ := a.KmemCacheCreate("partial", 1000, 0, 0, nil)
		var objs []physmem.VirtAddr
		for i := 0; i < 8; i++ {
			obj, err := a.KmemCacheAlloc(0, s, GFPKernel)
			if err != nil {
				t.Fatalf("KmemCacheAlloc: %v", err)
			}
			objs = append(objs, obj)
		}
		si := slabInfo(t, a, "partial")
		if si.NumSlabs != 2 || si.NumPartial != 0 || si.Active != 8 {
			t.Fatalf("slabs %d partial %d active %d", si.NumSlabs, si.NumPartial, si.Active)
		}

		// the first slab is full and owned by no cpu
		a.KmemCacheFree(0, s, objs[0])
		si = slabInfo(t, a, "partial")
		if si.NumPartial != 1 || si.Active != 7 {
			t.Fatalf("partial %d active %d after one free", si.NumPartial, si.Active)
		}
		for _, obj := range objs[1:4] {
			a.KmemCacheFree(0, s, obj)
		}
		si = slabInfo(t, a, "partial")
		if si.NumSlabs != 1 || si.NumPartial != 0 {
			t.Fatalf("empty slab not discarded: slabs %d partial %d", si.NumSlabs, si.NumPartial)
		}

		// cpu 0 moves on to a new slab, leaving the full one behind
		if _, err := a.KmemCacheAlloc(0, s, GFPKernel); err != nil {
			t.Fatalf("KmemCacheAlloc: %v", err)
		}
		a.KmemCacheFree(0, s, objs[4])
		si = slabInfo(t, a, "partial")
		if si.NumSlabs != 2 || si.NumPartial != 1 {
			t.Fatalf("slabs %d partial %d", si.NumSlabs, si.NumPartial)
		}

		// a second cpu takes the partial slab instead of a new one
		obj, err := a.KmemCacheAlloc(1, s, GFPKernel)
		if err != nil {
			t.Fatalf("KmemCacheAlloc: %v", err)
		}
		if obj != objs[4] {
			t.Errorf("cpu 1 got %v, want the freed %v", obj, objs[4])
		}
		si = slabInfo(t, a, "partial")
		if si.NumSlabs != 2 || si.NumPartial != 0 {
			t.Fatalf("slabs %d partial %d", si.NumSlabs, si.NumPartial)
		}
	})
}

func TestSlabDestroy(t *testing.T) {
	a := newMachine(t, 16*MB, pcpOptions(), nil)

	t.Run("Busy", func(t *testing.T) {
		s, _ := a.KmemCacheCreate("busy", 200, 0, 0, nil)
		if _, err := a.KmemCacheAlloc(2, s, GFPKernel); err != nil {
			t.Fatalf("KmemCacheAlloc: %v", err)
		}
		if err := a.KmemCacheDestroy(0, s); !errors.Is(err, ErrCacheBusy) {
			t.Fatalf("Expected ErrCacheBusy, got %v", err)
		}
		if !dmesgContains("kmem_cache_destroy called for cache that still has objects") {
			t.Errorf("busy destroy not reported")
		}
		for _, si := range a.SlabInfo() {
			if si.Name == "busy" {
				t.Fatalf("destroyed cache still listed")
			}
		}
	})

	t.Run("Clean", func(t *testing.T) {
		b := newMachine(t, 16*MB, pcpOptions(), nil)
		s, _ := b.KmemCacheCreate("clean", 200, 0, 0, nil)
		var objs []physmem.VirtAddr
		for i := 0; i < 100; i++ {
			obj, err := b.KmemCacheAlloc(i%b.CPUs(), s, GFPKernel)
			if err != nil {
				t.Fatalf("KmemCacheAlloc: %v", err)
			}
			objs = append(objs, obj)
		}
		for i, obj := range objs {
			if err := b.KmemCacheFree((i+1)%b.CPUs(), s, obj); err != nil {
				t.Fatalf("KmemCacheFree: %v", err)
			}
		}
		if err := b.KmemCacheDestroy(0, s); err != nil {
			t.Fatalf("KmemCacheDestroy: %v", err)
		}
		b.DrainAllPages()
		if b.NrFreePages() != b.NrManagedPages() {
			t.Fatalf("slab pages leaked: free %d managed %d", b.NrFreePages(), b.NrManagedPages())
		}
	})
}
