package mempool

import (
	"errors"
	"testing"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

const MB = 1024 * 1024

func newMachine(t *testing.T, size uint64) *hybrid.Allocator {
	t.Helper()
	mb := memblock.New()
	if err := mb.Add(0x40000000, size); err != nil {
		t.Fatalf("Failed to add memory: %v", err)
	}
	a, err := hybrid.Boot(mb, hybrid.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to boot allocator: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPool(t *testing.T) {
	a := newMachine(t, 16*MB)

	t.Run("Invalid arguments", func(t *testing.T) {
		if _, err := NewKmallocPool(a, 0, 0, 64); !errors.Is(err, ErrInvalid) {
			t.Errorf("Expected ErrInvalid for an empty reserve, got %v", err)
		}
		if _, err := NewKmallocPool(a, 0, 4, 0); !errors.Is(err, ErrInvalid) {
			t.Errorf("Expected ErrInvalid for a zero size, got %v", err)
		}
		if _, err := NewPagePool(a, 0, 4, hybrid.MaxOrder); !errors.Is(err, ErrInvalid) {
			t.Errorf("Expected ErrInvalid for order %d, got %v", hybrid.MaxOrder, err)
		}
	})

	t.Run("Kmalloc pool", func(t *testing.T) {
		cache := a.KmallocCache(256, hybrid.GFPKernel)
		before := cache.ActiveObjects()
		p, err := NewKmallocPool(a, 0, 16, 256)
		if err != nil {
			t.Fatalf("NewKmallocPool: %v", err)
		}
		if p.Reserved() != 16 || cache.ActiveObjects() != before+16 {
			t.Fatalf("reserve %d, active %d", p.Reserved(), cache.ActiveObjects())
		}

		var objs []physmem.VirtAddr
		for i := 0; i < 32; i++ {
			va, err := p.Alloc(i%a.CPUs(), hybrid.GFPKernel)
			if err != nil {
				t.Fatalf("Alloc: %v", err)
			}
			objs = append(objs, va)
		}
		if s := p.Stats(); s.BackendHits != 32 || s.ReserveHits != 0 || p.Reserved() != 16 {
			t.Fatalf("unexpected stats %+v", s)
		}
		for _, va := range objs {
			if err := p.Free(1, va); err != nil {
				t.Fatalf("Free: %v", err)
			}
		}
		if s := p.Stats(); s.TotalFrees != 32 || s.Refills != 0 {
			t.Fatalf("full reserve refilled: %+v", s)
		}
		if err := p.Close(0); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if cache.ActiveObjects() != before {
			t.Fatalf("active objects %d after close, want %d", cache.ActiveObjects(), before)
		}
		if _, err := p.Alloc(0, hybrid.GFPKernel); !errors.Is(err, ErrClosed) {
			t.Fatalf("Expected ErrClosed, got %v", err)
		}
	})

	t.Run("Reserve on backend failure", func(t *testing.T) {
		// there is no DMA memory, so every DMA request falls back
		p, err := NewPagePool(a, 0, 4, 0)
		if err != nil {
			t.Fatalf("NewPagePool: %v", err)
		}
		defer p.Close(0)

		var pages []physmem.VirtAddr
		for i := 0; i < 4; i++ {
			va, err := p.Alloc(0, hybrid.GFPDMA)
			if err != nil {
				t.Fatalf("Alloc %d: %v", i, err)
			}
			if page := a.VirtToPage(va); page == nil || page.Zone() != hybrid.ZoneNormal {
				t.Fatalf("reserve element %v not a Normal page", va)
			}
			pages = append(pages, va)
		}
		_, err = p.Alloc(0, hybrid.GFPDMA)
		if !errors.Is(err, ErrExhausted) || !errors.Is(err, hybrid.ErrNoMemory) {
			t.Fatalf("Expected ErrExhausted wrapping ErrNoMemory, got %v", err)
		}

		if err := p.Free(0, pages[0]); err != nil {
			t.Fatalf("Free: %v", err)
		}
		if p.Reserved() != 1 {
			t.Fatalf("free did not refill the reserve")
		}
		for _, va := range pages[1:] {
			p.Free(0, va)
		}
		s := p.Stats()
		if s.ReserveHits != 4 || s.Failures != 1 || s.Refills != 4 || p.Reserved() != 4 {
			t.Fatalf("unexpected stats %+v, reserve %d", s, p.Reserved())
		}
	})

	t.Run("Exhausted memory", func(t *testing.T) {
		p, err := NewPagePool(a, 0, 8, 0)
		if err != nil {
			t.Fatalf("NewPagePool: %v", err)
		}
		var hoard []*hybrid.Page
		for {
			page, err := a.AllocPage(2, hybrid.GFPNoWarn)
			if err != nil {
				break
			}
			hoard = append(hoard, page)
		}
		defer func() {
			for _, page := range hoard {
				a.FreePages(2, page, 0)
			}
		}()

		var got []physmem.VirtAddr
		for i := 0; i < 8; i++ {
			va, err := p.Alloc(3, hybrid.GFPKernel)
			if err != nil {
				t.Fatalf("reserve ran dry after %d elements: %v", i, err)
			}
			got = append(got, va)
		}
		if _, err := p.Alloc(3, hybrid.GFPNoWarn); !errors.Is(err, ErrExhausted) {
			t.Fatalf("Expected ErrExhausted, got %v", err)
		}
		for _, va := range got {
			p.Free(3, va)
		}
		if err := p.Close(0); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})

	t.Run("Resize", func(t *testing.T) {
		s, err := a.KmemCacheCreate("mempool_test", 200, 0, hybrid.SlabPoison, nil)
		if err != nil {
			t.Fatalf("KmemCacheCreate: %v", err)
		}
		p, err := NewSlabPool(a, 1, 2, s)
		if err != nil {
			t.Fatalf("NewSlabPool: %v", err)
		}
		if p.Name() != "mempool_test" {
			t.Errorf("pool name %q", p.Name())
		}
		if err := p.Resize(1, 8); err != nil {
			t.Fatalf("Resize: %v", err)
		}
		if p.MinNr() != 8 || s.ActiveObjects() != 8 {
			t.Fatalf("grown reserve: min %d, active %d", p.MinNr(), s.ActiveObjects())
		}
		if err := p.Resize(1, 3); err != nil {
			t.Fatalf("Resize: %v", err)
		}
		if s.ActiveObjects() != 3 {
			t.Fatalf("shrunk reserve: active %d", s.ActiveObjects())
		}
		if err := p.Resize(1, 0); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Expected ErrInvalid, got %v", err)
		}
		if err := p.Close(1); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := a.KmemCacheDestroy(1, s); err != nil {
			t.Fatalf("KmemCacheDestroy: %v", err)
		}
	})
}
