package memblock

import (
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// PhysMemSize returns the total size of memory
func (m *Memblock) PhysMemSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory.totalSize
}

// ReservedSize returns the total size of reservations
func (m *Memblock) ReservedSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved.totalSize
}

// MemSize returns the bytes of whole pages of memory below limitPFN
func (m *Memblock) MemSize(limitPFN uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pages uint64
	for _, r := range m.memory.regions {
		startPFN := min(r.BasePFN(), limitPFN)
		endPFN := min(r.EndPFN(), limitPFN)
		if endPFN > startPFN {
			pages += endPFN - startPFN
		}
	}
	return uint64(physmem.PFNPhys(pages))
}

// StartOfDRAM returns the lowest memory address
func (m *Memblock) StartOfDRAM() PhysAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory.regions[0].Base
}

// EndOfDRAM returns the address past the highest memory region
func (m *Memblock) EndOfDRAM() PhysAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory.regions[m.memory.cnt()-1].End()
}

// search returns the index of the region containing addr, or -1
func (rs *regionSet) search(addr PhysAddr) int {
	left, right := 0, rs.cnt()
	for left < right {
		mid := (left + right) / 2
		switch r := rs.regions[mid]; {
		case addr < r.Base:
			right = mid
		case addr >= r.End():
			left = mid + 1
		default:
			return mid
		}
	}
	return -1
}

// IsReserved reports whether addr lies in a reservation
func (m *Memblock) IsReserved(addr PhysAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved.search(addr) != -1
}

// IsMemory reports whether addr is RAM
func (m *Memblock) IsMemory(addr PhysAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memory.search(addr) != -1
}

// IsMapMemory reports whether addr is RAM that belongs in the linear map
func (m *Memblock) IsMapMemory(addr PhysAddr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.memory.search(addr)
	return i != -1 && m.memory.regions[i].Flags&FlagNoMap == 0
}

// IsRegionMemory reports whether [base, base+size) lies inside one memory region
func (m *Memblock) IsRegionMemory(base PhysAddr, size uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.memory.search(base)
	if idx == -1 {
		return false
	}
	end := base + PhysAddr(capSize(base, size))
	return m.memory.regions[idx].End() >= end
}

// IsRegionReserved reports whether [base, base+size) intersects a reservation
func (m *Memblock) IsRegionReserved(base PhysAddr, size uint64) bool {
	return m.OverlapsRegion(Reserved, base, size)
}

// OverlapsRegion reports whether [base, base+size) intersects set k
func (m *Memblock) OverlapsRegion(k Kind, base PhysAddr, size uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(k).overlaps(base, capSize(base, size))
}

// findMaxAddr translates a memory size limit into the address where it runs out
func (m *Memblock) findMaxAddr(limit uint64) PhysAddr {
	for _, r := range m.memory.regions {
		if limit <= r.Size {
			return r.Base + PhysAddr(limit)
		}
		limit -= r.Size
	}
	return physmem.PhysAddrMax
}

// EnforceMemoryLimit truncates memory and reservations to limit bytes of RAM
func (m *Memblock) EnforceMemoryLimit(limit uint64) error {
	if limit == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	maxAddr := m.findMaxAddr(limit)
	if maxAddr == physmem.PhysAddrMax {
		return nil
	}
	if err := m.memory.removeRange(maxAddr, uint64(physmem.PhysAddrMax)); err != nil {
		return err
	}
	return m.reserved.removeRange(maxAddr, uint64(physmem.PhysAddrMax))
}

// CapMemoryRange drops all mapped memory outside [base, base+size) and the
// reservations with it. NOMAP regions survive.
func (m *Memblock) CapMemoryRange(base PhysAddr, size uint64) error {
	if size == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capMemoryRange(base, size)
}

func (m *Memblock) capMemoryRange(base PhysAddr, size uint64) error {
	startRgn, endRgn, err := m.memory.isolateRange(base, size)
	if err != nil {
		return err
	}
	for i := m.memory.cnt() - 1; i >= endRgn; i-- {
		if m.memory.regions[i].Flags&FlagNoMap == 0 {
			m.memory.removeRegion(i)
		}
	}
	for i := startRgn - 1; i >= 0; i-- {
		if m.memory.regions[i].Flags&FlagNoMap == 0 {
			m.memory.removeRegion(i)
		}
	}
	if err := m.reserved.removeRange(0, uint64(base)); err != nil {
		return err
	}
	return m.reserved.removeRange(base+PhysAddr(capSize(base, size)), uint64(physmem.PhysAddrMax))
}

// MemLimitRemoveMap is EnforceMemoryLimit that keeps NOMAP regions
func (m *Memblock) MemLimitRemoveMap(limit uint64) error {
	if limit == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	maxAddr := m.findMaxAddr(limit)
	if maxAddr == physmem.PhysAddrMax {
		return nil
	}
	return m.capMemoryRange(0, uint64(maxAddr))
}

// TrimMemory shrinks every memory region to align boundaries, dropping
// regions that vanish
func (m *Memblock) TrimMemory(align uint64) {
	if align == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := &m.memory
	for i := 0; i < rs.cnt(); i++ {
		r := &rs.regions[i]
		if r.Size == 0 {
			continue
		}
		start := roundUp(r.Base, align)
		end := roundDown(r.End(), align)
		if start == r.Base && end == r.End() {
			continue
		}
		if start < end {
			rs.totalSize -= r.Size - uint64(end-start)
			r.Base, r.Size = start, uint64(end-start)
			continue
		}
		rs.removeRegion(i)
		i--
	}
}

// Dump logs both region sets
func (m *Memblock) Dump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	klog.Info("MEMBLOCK configuration:")
	klog.Info(" memory size = %#x reserved size = %#x", m.memory.totalSize, m.reserved.totalSize)
	for _, rs := range []*regionSet{&m.memory, &m.reserved} {
		klog.Info(" %s.cnt  = %#x", rs.name, rs.cnt())
		for i, r := range rs.regions {
			klog.Info(" %s[%#x]\t[%#016x-%#016x], %#x bytes flags: %s",
				rs.name, i, uint64(r.Base), uint64(r.End())-1, r.Size, r.Flags)
		}
	}
}
