package hybrid

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/memblock"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

const (
	MB = 1024 * 1024
	KB = 1024

	dramBase = memblock.PhysAddr(0x40000000)
)

// newMachine boots an allocator over size bytes of RAM at dramBase.
// setup runs on the region tracker before the handoff.
func newMachine(t testing.TB, size uint64, opts Options, setup func(mb *memblock.Memblock)) *Allocator {
	t.Helper()
	mb := memblock.New()
	if err := mb.Add(dramBase, size); err != nil {
		t.Fatalf("Failed to add memory: %v", err)
	}
	if setup != nil {
		setup(mb)
	}
	a, err := Boot(mb, opts)
	if err != nil {
		t.Fatalf("Failed to boot allocator: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func dmesgContains(s string) bool {
	for _, line := range klog.Dmesg() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func freeCounts(a *Allocator) [NrZones][MaxOrder]uint64 {
	var out [NrZones][MaxOrder]uint64
	for _, zi := range a.BuddyInfo() {
		out[zi.Zone] = zi.NrFree
	}
	return out
}

func TestBoot(t *testing.T) {
	t.Run("Rejects bad options", func(t *testing.T) {
		mb := memblock.New()
		mb.Add(dramBase, 16*MB)
		opts := DefaultOptions()
		opts.CPUs = 0
		if _, err := Boot(mb, opts); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("Expected ErrInvalidOptions, got %v", err)
		}
		opts = DefaultOptions()
		opts.KmallocMinAlign = 96
		if _, err := Boot(mb, opts); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("Expected ErrInvalidOptions for align 96, got %v", err)
		}
	})

	t.Run("Rejects empty memory", func(t *testing.T) {
		if _, err := Boot(memblock.New(), DefaultOptions()); !errors.Is(err, ErrNoMemory) {
			t.Fatalf("Expected ErrNoMemory, got %v", err)
		}
	})

	t.Run("Reserved memory stays out", func(t *testing.T) {
		a := newMachine(t, 16*MB, DefaultOptions(), func(mb *memblock.Memblock) {
			mb.SetKernelImage(dramBase+0x80000, dramBase+0x280000)
			mb.Reserve(dramBase+0x80000, 0x200000)
		})
		if a.TotalPhysPages() != 16*MB/physmem.PageSize {
			t.Fatalf("total pages %d", a.TotalPhysPages())
		}
		mi := a.MemInfo()
		if mi.Managed+mi.Reserved != mi.Total {
			t.Fatalf("managed %d + reserved %d != total %d", mi.Managed, mi.Reserved, mi.Total)
		}
		if mi.Kernel != 0x200000/physmem.PageSize {
			t.Errorf("kernel pages %d", mi.Kernel)
		}
		for pfn := physmem.PFNDown(dramBase + 0x80000); pfn < physmem.PFNDown(dramBase+0x280000); pfn++ {
			page := a.PFNToPage(pfn)
			if page.Flags()&PGReserved == 0 || page.RefCount() != 1 {
				t.Fatalf("kernel page %#x not reserved: %s refcount %d", pfn, page.Flags(), page.RefCount())
			}
		}
		a.DrainAllPages()
		if a.NrFreePages() != mi.Managed {
			t.Fatalf("free %d managed %d", a.NrFreePages(), mi.Managed)
		}
		if !strings.Contains(mi.String(), "available") {
			t.Errorf("meminfo %q", mi.String())
		}
		if !a.SlabIsAvailable() {
			t.Errorf("slab not up after boot")
		}
	})

	t.Run("Zones follow region flags", func(t *testing.T) {
		a := newMachine(t, 16*MB, DefaultOptions(), func(mb *memblock.Memblock) {
			mb.MarkDMA(dramBase, 4*MB)
			mb.MarkMovable(dramBase+12*MB, 4*MB)
		})
		info := a.BuddyInfo()
		if info[ZoneDMA].Managed != 4*MB/physmem.PageSize {
			t.Errorf("DMA managed %d", info[ZoneDMA].Managed)
		}
		if info[ZoneMovable].Managed != 4*MB/physmem.PageSize {
			t.Errorf("Movable managed %d", info[ZoneMovable].Managed)
		}
		if info[ZoneDMA].StartPFN != physmem.PFNDown(dramBase) {
			t.Errorf("DMA start pfn %#x", info[ZoneDMA].StartPFN)
		}
		for zt, gfp := range map[ZoneType]GFP{ZoneDMA: GFPDMA, ZoneNormal: GFPKernel, ZoneMovable: GFPMovable} {
			page, err := a.AllocPages(0, gfp, 2)
			if err != nil {
				t.Fatalf("AllocPages(%s): %v", zt, err)
			}
			if page.Zone() != zt {
				t.Errorf("gfp %#x gave a %s page", gfp, page.Zone())
			}
			if err := a.FreePages(0, page, 2); err != nil {
				t.Fatalf("FreePages: %v", err)
			}
		}
	})
}

func TestAllocator(t *testing.T) {
	allocator := newMachine(t, 64*MB, DefaultOptions(), nil)

	t.Run("Basic allocation and free", func(t *testing.T) {
		va, err := allocator.Kmalloc(0, 4*KB, GFPKernel)
		if err != nil {
			t.Fatalf("Failed to allocate 4KB: %v", err)
		}
		if err := allocator.Kfree(0, va); err != nil {
			t.Fatalf("Failed to free allocated space: %v", err)
		}
	})

	t.Run("Large block allocation", func(t *testing.T) {
		va, err := allocator.Kmalloc(0, 2*MB, GFPKernel)
		if err != nil {
			t.Fatalf("Failed to allocate 2MB: %v", err)
		}
		if n, _ := allocator.Ksize(va); n != 2*MB {
			t.Errorf("Ksize of 2MB block is %d", n)
		}
		if err := allocator.Kfree(0, va); err != nil {
			t.Fatalf("Failed to free allocated space: %v", err)
		}
	})

	t.Run("Multiple allocations", func(t *testing.T) {
		addresses := make([]physmem.VirtAddr, 10)
		for i := range addresses {
			va, err := allocator.Kmalloc(i%allocator.CPUs(), 4*KB, GFPKernel)
			if err != nil {
				t.Fatalf("Failed to allocate 4KB: %v", err)
			}
			addresses[i] = va
		}
		for i, va := range addresses {
			if err := allocator.Kfree(i%allocator.CPUs(), va); err != nil {
				t.Fatalf("Failed to free allocated space: %v", err)
			}
		}
	})

	t.Run("Invalid free", func(t *testing.T) {
		err := allocator.Kfree(0, 0xdeadbeef)
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Expected ErrInvalidAddress, got %v", err)
		}
	})

	t.Run("Space utilization", func(t *testing.T) {
		addresses := make([]physmem.VirtAddr, 0)
		sizes := []uint64{4 * KB, 8 * KB, 16 * KB, 32 * KB, 64 * KB}
		for _, size := range sizes {
			va, err := allocator.Kmalloc(0, size, GFPKernel)
			if err != nil {
				t.Fatalf("Failed to allocate %d bytes: %v", size, err)
			}
			addresses = append(addresses, va)
		}

		mi := allocator.MemInfo()
		utilization := float64(mi.Managed-mi.Free-mi.PerCPU) / float64(mi.Managed) * 100
		t.Logf("Space utilization: %.5f%%", utilization)

		for _, va := range addresses {
			if err := allocator.Kfree(0, va); err != nil {
				t.Fatalf("Failed to free allocated space: %v", err)
			}
		}
	})

	t.Run("Memory access", func(t *testing.T) {
		va, err := allocator.Kmalloc(1, 200, GFPKernel)
		if err != nil {
			t.Fatalf("Kmalloc: %v", err)
		}
		buf, err := allocator.Memory(va, 200)
		if err != nil {
			t.Fatalf("Memory: %v", err)
		}
		copy(buf, "hello")
		again, _ := allocator.Memory(va, 5)
		if string(again) != "hello" {
			t.Errorf("read back %q", again)
		}
		if _, err := allocator.Memory(physmem.VirtAddr(0x1000), 8); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Expected ErrInvalidAddress for a non-linear address, got %v", err)
		}
		allocator.Kfree(1, va)
	})
}

func BenchmarkAlloc(b *testing.B) {
	sizes := []uint64{
		64,
		512,
		2 * KB,
		4 * KB,
		16 * KB,
		64 * KB,
		256 * KB,
		1 * MB,
		4 * MB,
	}
	klog.SetLevel(klog.LogLevelError)
	defer klog.SetLevel(klog.LogLevelInfo)

	for _, size := range sizes {
		b.Run(fmt.Sprintf("Size_%dB", size), func(b *testing.B) {
			allocator := newMachine(b, 256*MB, DefaultOptions(), nil)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				va, err := allocator.Kmalloc(0, size, GFPKernel|GFPNoWarn)
				if err != nil {
					b.Fatalf("Failed to allocate %d bytes: %v", size, err)
				}
				if err := allocator.Kfree(0, va); err != nil {
					b.Fatalf("Failed to free %d bytes: %v", size, err)
				}
			}
			b.StopTimer()
		})
	}
}
