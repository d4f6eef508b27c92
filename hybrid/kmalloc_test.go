package hybrid

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

func TestKmallocRouting(t *testing.T) {
	a := newMachine(t, 16*MB, DefaultOptions(), nil)

	t.Run("Size classes", func(t *testing.T) {
		c96, c100, c129 := a.KmallocCache(96, GFPKernel), a.KmallocCache(100, GFPKernel), a.KmallocCache(129, GFPKernel)
		if c96 != c100 || c96.Name() != "kmalloc-128" {
			t.Fatalf("96 -> %s, 100 -> %s", c96.Name(), c100.Name())
		}
		if c129.Name() != "kmalloc-192" || c129.size <= c100.size {
			t.Fatalf("129 -> %s of size %d", c129.Name(), c129.size)
		}
		for size, want := range map[uint64]string{1: "kmalloc-128", 200: "kmalloc-256", 257: "kmalloc-512", 2048: "kmalloc-2048"} {
			if got := a.KmallocCache(size, GFPKernel).Name(); got != want {
				t.Errorf("size %d -> %s, want %s", size, got, want)
			}
		}
		if a.KmallocCache(0, GFPKernel) != nil || a.KmallocCache(2049, GFPKernel) != nil {
			t.Errorf("sizes 0 and 2049 have a cache")
		}
		if got := a.KmallocCache(100, GFPDMA).Name(); got != "dma-kmalloc-128" {
			t.Errorf("DMA routing to %s", got)
		}
	})

	t.Run("Ksize", func(t *testing.T) {
		for size, want := range map[uint64]uint64{100: 128, 129: 256, 1500: 2048, 3000: 4096, 5000: 8192} {
			va, err := a.Kmalloc(0, size, GFPKernel)
			if err != nil {
				t.Fatalf("Kmalloc(%d): %v", size, err)
			}
			if got, _ := a.Ksize(va); got != want {
				t.Errorf("Ksize(Kmalloc(%d)) = %d, want %d", size, got, want)
			}
			a.Kfree(0, va)
		}
	})

	t.Run("Min alignment", func(t *testing.T) {
		tests := []struct {
			align int
			want  [3]string // caches for 96, 100 and 129 bytes
		}{
			{8, [3]string{"kmalloc-96", "kmalloc-128", "kmalloc-192"}},
			{64, [3]string{"kmalloc-96", "kmalloc-128", "kmalloc-192"}},
			{256, [3]string{"kmalloc-256", "kmalloc-256", "kmalloc-256"}},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("Align_%d", tt.align), func(t *testing.T) {
				opts := DefaultOptions()
				opts.KmallocMinAlign = tt.align
				if err := opts.Validate(); err != nil {
					t.Fatalf("Validate: %v", err)
				}
				a := newMachine(t, 16*MB, opts, nil)
				for i, size := range []uint64{96, 100, 129} {
					c := a.KmallocCache(size, GFPKernel)
					if c == nil || c.Name() != tt.want[i] {
						t.Fatalf("size %d -> %v, want %s", size, c, tt.want[i])
					}
					va, err := a.Kmalloc(1, size, GFPKernel)
					if err != nil {
						t.Fatalf("Kmalloc(%d): %v", size, err)
					}
					if uint64(va)%uint64(tt.align) != 0 {
						t.Errorf("Kmalloc(%d) = %v not aligned to %d", size, va, tt.align)
					}
					a.Kfree(1, va)
				}
				if c := a.KmallocCache(8, GFPKernel); c.Size() < uint64(tt.align) {
					t.Errorf("8 bytes served from %s of size %d", c.Name(), c.Size())
				}
			})
		}
	})
}

// cacheState returns the slab and partial counts of the named cache
func cacheState(t *testing.T, a *Allocator, name string) (int64, int) {
	t.Helper()
	for _, si := range a.SlabInfo() {
		if si.Name == name {
			return si.NumSlabs, si.NumPartial
		}
	}
	t.Fatalf("no cache %s", name)
	return 0, 0
}

func TestKmallocRoundTrip(t *testing.T) {
	a := newMachine(t, 16*MB, pcpOptions(), nil)

	for size := uint64(1); size <= physmem.PageSize/2; size++ {
		s := a.KmallocCache(size, GFPKernel)
		cpu, other := int(size)%a.CPUs(), int(size+1)%a.CPUs()

		// give cpu a slab with a free object so the pairs below never
		// need a new one
		warm, err := a.Kmalloc(cpu, size, GFPKernel)
		if err != nil {
			t.Fatalf("Kmalloc(%d): %v", size, err)
		}
		a.Kfree(cpu, warm)

		active := s.ActiveObjects()
		slabs, partial := cacheState(t, a, s.Name())
		for _, freeCPU := range []int{cpu, other} {
			va, err := a.Kmalloc(cpu, size, GFPKernel)
			if err != nil {
				t.Fatalf("Kmalloc(%d): %v", size, err)
			}
			if uint64(va)%ARCHKmallocMinAlign != 0 {
				t.Fatalf("Kmalloc(%d) = %v not aligned to %d", size, va, ARCHKmallocMinAlign)
			}
			if n, _ := a.Ksize(va); n < size {
				t.Fatalf("Ksize(Kmalloc(%d)) = %d", size, n)
			}
			buf, err := a.Memory(va, size)
			if err != nil {
				t.Fatalf("Memory: %v", err)
			}
			for i := range buf {
				buf[i] = byte(size)
			}
			if freeCPU != cpu && !a.VirtToHeadPage(va).testFlag(PGFrozen) {
				t.Fatalf("size %d: object not in the allocating cpu's slab", size)
			}
			if err := a.Kfree(freeCPU, va); err != nil {
				t.Fatalf("Kfree(Kmalloc(%d)) on cpu %d: %v", size, freeCPU, err)
			}
			if s.ActiveObjects() != active {
				t.Fatalf("size %d: active %d, want %d", size, s.ActiveObjects(), active)
			}
			if gs, gp := cacheState(t, a, s.Name()); gs != slabs || gp != partial {
				t.Fatalf("size %d freed on cpu %d: slabs %d partial %d, want %d and %d",
					size, freeCPU, gs, gp, slabs, partial)
			}
		}
	}
}

func TestKmallocEdgeCases(t *testing.T) {
	a := newMachine(t, 16*MB, pcpOptions(), nil)

	t.Run("Zero size", func(t *testing.T) {
		va, err := a.Kmalloc(0, 0, GFPKernel)
		if err != nil || va != ZeroSizePtr {
			t.Fatalf("Kmalloc(0) = %v, %v", va, err)
		}
		if n, err := a.Ksize(va); n != 0 || err != nil {
			t.Errorf("Ksize(ZeroSizePtr) = %d, %v", n, err)
		}
		if err := a.Kfree(0, va); err != nil {
			t.Errorf("Kfree(ZeroSizePtr): %v", err)
		}
		if err := a.Kfree(0, 0); err != nil {
			t.Errorf("Kfree(nil): %v", err)
		}
		if _, err := a.Memory(va, 1); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ZeroSizePtr is backed by memory")
		}
	})

	t.Run("Zeroed allocations", func(t *testing.T) {
		va, _ := a.Kmalloc(0, 200, GFPKernel)
		buf, _ := a.Memory(va, 256)
		for i := range buf {
			buf[i] = 0xff
		}
		a.Kfree(0, va)

		zva, err := a.Kzalloc(0, 200, GFPKernel)
		if err != nil {
			t.Fatalf("Kzalloc: %v", err)
		}
		if zva != va {
			t.Fatalf("freed object not reused")
		}
		buf, _ = a.Memory(zva, 256)
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("Kzalloc byte %d is %#x", i, b)
			}
		}
		a.Kfree(0, zva)

		cva, err := a.Kcalloc(1, 10, 20, GFPKernel)
		if err != nil {
			t.Fatalf("Kcalloc: %v", err)
		}
		if n, _ := a.Ksize(cva); n < 200 {
			t.Errorf("Kcalloc(10, 20) holds %d bytes", n)
		}
		a.Kfree(1, cva)

		pva, err := a.Kzalloc(1, 3*physmem.PageSize, GFPKernel)
		if err != nil {
			t.Fatalf("Kzalloc of pages: %v", err)
		}
		buf, _ = a.Memory(pva, 4*physmem.PageSize)
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("page Kzalloc byte %d is %#x", i, b)
			}
		}
		a.Kfree(1, pva)
	})

	t.Run("Overflow", func(t *testing.T) {
		if _, err := a.KmallocArray(0, 1<<33, 1<<33, GFPKernel); !errors.Is(err, ErrOverflow) {
			t.Fatalf("Expected ErrOverflow, got %v", err)
		}
		if _, err := a.Kcalloc(0, 1<<63, 4, GFPKernel); !errors.Is(err, ErrOverflow) {
			t.Fatalf("Expected ErrOverflow, got %v", err)
		}
	})

	t.Run("Large allocations", func(t *testing.T) {
		va, err := a.Kmalloc(0, 5000, GFPKernel)
		if err != nil {
			t.Fatalf("Kmalloc(5000): %v", err)
		}
		if page := a.VirtToPage(va); page.CompoundOrder() != 1 {
			t.Errorf("compound order %d", page.CompoundOrder())
		}
		if err := a.Kfree(0, va); err != nil {
			t.Fatalf("Kfree: %v", err)
		}
		if err := a.Kfree(0, va); !errors.Is(err, ErrBadPage) {
			t.Fatalf("double Kfree: expected ErrBadPage, got %v", err)
		}
		if _, err := a.Kmalloc(0, 8*MB, GFPKernel|GFPNoWarn); !errors.Is(err, ErrOrderTooLarge) {
			t.Fatalf("Kmalloc(8M): expected ErrOrderTooLarge, got %v", err)
		}
	})

	t.Run("Invalid frees", func(t *testing.T) {
		va, _ := a.Kmalloc(0, 300, GFPKernel)
		if err := a.Kfree(0, va+8); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("interior pointer: %v", err)
		}
		if err := a.Kfree(0, physmem.VirtAddr(0x4000)); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("non-linear address: %v", err)
		}
		if _, err := a.Ksize(physmem.VirtAddr(0x4000)); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Ksize of a non-linear address: %v", err)
		}
		a.Kfree(0, va)
	})
}

func TestKmallocDMA(t *testing.T) {
	t.Run("DMA memory", func(t *testing.T) {
		a := newMachine(t, 16*MB, pcpOptions(), func(mb *memblock.Memblock) {
			mb.MarkDMA(dramBase, 2*MB)
		})
		va, err := a.Kmalloc(0, 100, GFPDMA)
		if err != nil {
			t.Fatalf("Kmalloc(GFPDMA): %v", err)
		}
		page := a.VirtToHeadPage(va)
		if page.Zone() != ZoneDMA || page.slab.Name() != "dma-kmalloc-128" {
			t.Fatalf("object in %s zone, cache %s", page.Zone(), page.slab.Name())
		}
		// the zone comes from the cache, so a plain cache never lands in DMA memory
		nva, _ := a.Kmalloc(0, 100, GFPKernel)
		if a.VirtToHeadPage(nva).Zone() != ZoneNormal {
			t.Fatalf("plain kmalloc in %s zone", a.VirtToHeadPage(nva).Zone())
		}
		a.Kfree(0, va)
		a.Kfree(0, nva)
	})

	t.Run("No DMA memory", func(t *testing.T) {
		a := newMachine(t, 16*MB, pcpOptions(), nil)
		if _, err := a.Kmalloc(0, 100, GFPDMA|GFPNoWarn); !errors.Is(err, ErrNoMemory) {
			t.Fatalf("Expected ErrNoMemory, got %v", err)
		}
	})
}

func TestKmallocConcurrent(t *testing.T) {
	a := newMachine(t, 64*MB, pcpOptions(), nil)
	cpus := a.CPUs()
	handoff := make([]chan physmem.VirtAddr, cpus)
	for i := range handoff {
		handoff[i] = make(chan physmem.VirtAddr, 4096)
	}

	var wg sync.WaitGroup
	for cpu := 0; cpu < cpus; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(cpu)))
			var mine []physmem.VirtAddr
			for i := 0; i < 2000; i++ {
				size := uint64(rng.Intn(physmem.PageSize)) + 1
				va, err := a.Kmalloc(cpu, size, GFPKernel)
				if err != nil {
					t.Errorf("cpu %d: Kmalloc(%d): %v", cpu, size, err)
					return
				}
				switch i % 3 {
				case 0:
					handoff[(cpu+1)%cpus] <- va
				case 1:
					mine = append(mine, va)
				default:
					if err := a.Kfree(cpu, va); err != nil {
						t.Errorf("cpu %d: Kfree: %v", cpu, err)
					}
				}
			}
			for _, va := range mine {
				if err := a.Kfree(cpu, va); err != nil {
					t.Errorf("cpu %d: Kfree: %v", cpu, err)
				}
			}
		}(cpu)
	}
	wg.Wait()

	for cpu := range handoff {
		close(handoff[cpu])
		for va := range handoff[cpu] {
			if err := a.Kfree(cpu, va); err != nil {
				t.Fatalf("cpu %d: remote Kfree: %v", cpu, err)
			}
		}
	}
	for _, si := range a.SlabInfo() {
		if si.Active != 0 {
			t.Errorf("%s: %d objects still active", si.Name, si.Active)
		}
	}
	if a.BadPages() != 0 {
		t.Fatalf("%d bad pages", a.BadPages())
	}
}

func BenchmarkKmalloc(b *testing.B) {
	klog.SetLevel(klog.LogLevelError)
	defer klog.SetLevel(klog.LogLevelInfo)

	for _, size := range []uint64{8, 96, 192, 512, 2048} {
		b.Run(fmt.Sprintf("Size_%dB", size), func(b *testing.B) {
			allocator := newMachine(b, 64*MB, DefaultOptions(), nil)
			live := make([]physmem.VirtAddr, 0, 64)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				va, err := allocator.Kmalloc(0, size, GFPKernel)
				if err != nil {
					b.Fatalf("Failed to allocate %d bytes: %v", size, err)
				}
				live = append(live, va)
				if len(live) == cap(live) {
					for _, va := range live {
						allocator.Kfree(0, va)
					}
					live = live[:0]
				}
			}
			b.StopTimer()
		})
	}
}
