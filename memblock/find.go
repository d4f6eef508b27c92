package memblock

import (
	"fmt"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

func roundUp(v PhysAddr, align uint64) PhysAddr {
	return PhysAddr((uint64(v) + align - 1) / align * align)
}

func roundDown(v PhysAddr, align uint64) PhysAddr {
	return PhysAddr(uint64(v) / align * align)
}

func clamp(v, lo, hi PhysAddr) PhysAddr {
	return min(max(v, lo), hi)
}

func (m *Memblock) findRangeBottomUp(start, end PhysAddr, size, align uint64, flags Flags) PhysAddr {
	for c := CursorStart; ; {
		var s, e PhysAddr
		c, s, e = nextMemRange(c, flags, &m.memory, &m.reserved)
		if c == CursorEnd {
			return 0
		}
		thisStart, thisEnd := clamp(s, start, end), clamp(e, start, end)
		cand := roundUp(thisStart, align)
		if cand < thisEnd && uint64(thisEnd-cand) >= size {
			return cand
		}
	}
}

func (m *Memblock) findRangeTopDown(start, end PhysAddr, size, align uint64, flags Flags) PhysAddr {
	for c := CursorEnd; ; {
		var s, e PhysAddr
		c, s, e = nextMemRangeRev(c, flags, &m.memory, &m.reserved)
		if c == CursorEnd {
			return 0
		}
		thisStart, thisEnd := clamp(s, start, end), clamp(e, start, end)
		if uint64(thisEnd) < size {
			continue
		}
		cand := roundDown(thisEnd-PhysAddr(size), align)
		if cand >= thisStart {
			return cand
		}
	}
}

// findInRange never returns the first page. Bottom-up search runs only
// when enabled and never below the kernel image; top-down is the default
// and the fallback.
func (m *Memblock) findInRange(size, align uint64, start, end PhysAddr, flags Flags) PhysAddr {
	if end == AllocAccessible {
		end = m.currentLimit
	}
	start = max(start, PhysAddr(physmem.PageSize))
	end = max(start, end)

	if m.bottomUp {
		if ret := m.findRangeBottomUp(max(start, m.kernelEnd), end, size, align, flags); ret != 0 {
			return ret
		}
	}
	return m.findRangeTopDown(start, end, size, align, flags)
}

// FindInRange looks for a free, align-aligned range of size bytes inside
// [start, end) among memory regions with exactly flags. An end of
// AllocAccessible means the current limit.
func (m *Memblock) FindInRange(size, align uint64, start, end PhysAddr, flags Flags) (PhysAddr, error) {
	if align == 0 {
		return 0, ErrZeroAlign
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.findInRange(size, align, start, end, flags)
	if found == 0 {
		return 0, fmt.Errorf("%w: %#x bytes align %#x in [%v-%v)", ErrNoSpace, size, align, start, end)
	}
	return found, nil
}

func (m *Memblock) allocRange(size, align uint64, start, end PhysAddr, flags Flags) (PhysAddr, error) {
	if align == 0 {
		return 0, ErrZeroAlign
	}
	found := m.findInRange(size, align, start, end, flags)
	if found == 0 {
		return 0, fmt.Errorf("%w: %#x bytes align %#x in [%v-%v)", ErrNoSpace, size, align, start, end)
	}
	if err := m.reserveLocked(found, size); err != nil {
		return 0, err
	}
	return found, nil
}

// AllocRange finds and reserves size bytes inside [start, end)
func (m *Memblock) AllocRange(size, align uint64, start, end PhysAddr, flags Flags) (PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocRange(size, align, start, end, flags)
}

// AllocBase finds and reserves size bytes below maxAddr
func (m *Memblock) AllocBase(size, align uint64, maxAddr PhysAddr) (PhysAddr, error) {
	return m.AllocRange(size, align, 0, maxAddr, FlagNone)
}

// Alloc finds and reserves size bytes anywhere below the current limit.
// Boot code has no fallback memory source and treats failure as fatal.
func (m *Memblock) Alloc(size, align uint64) (PhysAddr, error) {
	return m.AllocBase(size, align, AllocAccessible)
}

// AllocTryRaw prefers [minAddr, maxAddr) but drops the lower bound when
// nothing fits there. The memory is not cleared.
func (m *Memblock) AllocTryRaw(size, align uint64, minAddr, maxAddr PhysAddr) (PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbg("memblock_alloc_try_raw: %d bytes align=%#x from=%v max_addr=%v", size, align, minAddr, maxAddr)
	if align == 0 {
		return 0, ErrZeroAlign
	}
	if maxAddr > m.currentLimit {
		maxAddr = m.currentLimit
	}
	for {
		found, err := m.allocRange(size, align, minAddr, maxAddr, FlagNone)
		if err == nil || minAddr == 0 {
			return found, err
		}
		minAddr = 0
	}
}

// SetBottomUp selects the allocation direction
func (m *Memblock) SetBottomUp(on bool) {
	m.mu.Lock()
	m.bottomUp = on
	m.mu.Unlock()
}

// BottomUp reports whether bottom-up allocation is enabled
func (m *Memblock) BottomUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bottomUp
}

// SetKernelImage records where the kernel image lives; bottom-up searches start above it
func (m *Memblock) SetKernelImage(start, end PhysAddr) {
	m.mu.Lock()
	m.kernelStart, m.kernelEnd = start, end
	m.mu.Unlock()
}

// KernelImage returns the range set by SetKernelImage
func (m *Memblock) KernelImage() (start, end PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernelStart, m.kernelEnd
}

// SetCurrentLimit caps AllocAccessible allocations
func (m *Memblock) SetCurrentLimit(limit PhysAddr) {
	m.mu.Lock()
	m.currentLimit = limit
	m.mu.Unlock()
}

// CurrentLimit returns the cap on AllocAccessible allocations
func (m *Memblock) CurrentLimit() PhysAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLimit
}
