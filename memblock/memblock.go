package memblock

import (
	"fmt"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// New creates a region tracker whose sets hold up to DefaultRegions entries
func New() *Memblock {
	return NewWithCapacity(DefaultRegions)
}

// NewWithCapacity creates a region tracker with the given per-set capacity
func NewWithCapacity(capacity int) *Memblock {
	if capacity < 1 {
		capacity = 1
	}
	m := &Memblock{
		memory:   newRegionSet("memory", capacity),
		reserved: newRegionSet("reserved", capacity),
	}
	m.Init()
	return m
}

// Init resets both sets to one zero-sized region each
func (m *Memblock) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory.reset()
	m.reserved.reset()
	m.bottomUp = false
	m.currentLimit = AllocAnywhere
	m.kernelStart, m.kernelEnd = 0, 0
}

// SetDebug turns tracing of every mutation on or off
func (m *Memblock) SetDebug(on bool) {
	m.mu.Lock()
	m.debug = on
	m.mu.Unlock()
}

func (m *Memblock) dbg(format string, v ...interface{}) {
	if m.debug {
		klog.Debug(format, v...)
	}
}

// capSize trims size so that base+size does not overflow
func capSize(base PhysAddr, size uint64) uint64 {
	return min(size, uint64(physmem.PhysAddrMax-base))
}

func addrsOverlap(base1 PhysAddr, size1 uint64, base2 PhysAddr, size2 uint64) bool {
	return base1 < base2+PhysAddr(size2) && base2 < base1+PhysAddr(size1)
}

func (rs *regionSet) overlaps(base PhysAddr, size uint64) bool {
	for _, r := range rs.regions {
		if addrsOverlap(base, size, r.Base, r.Size) {
			return true
		}
	}
	return false
}

func (rs *regionSet) insertRegion(idx int, base PhysAddr, size uint64, flags Flags) {
	if rs.cnt() >= rs.max {
		panic(fmt.Sprintf("memblock: %s overflow inserting [%v+%#x)", rs.name, base, size))
	}
	rs.regions = append(rs.regions, Region{})
	copy(rs.regions[idx+1:], rs.regions[idx:])
	rs.regions[idx] = Region{Base: base, Size: size, Flags: flags}
	rs.totalSize += size
}

func (rs *regionSet) removeRegion(idx int) {
	rs.totalSize -= rs.regions[idx].Size
	rs.regions = append(rs.regions[:idx], rs.regions[idx+1:]...)
	if rs.cnt() == 0 {
		if rs.totalSize != 0 {
			klog.Warn("memblock: %s emptied with total size %#x", rs.name, rs.totalSize)
		}
		rs.regions = rs.regions[:1]
		rs.regions[0] = Region{}
		rs.totalSize = 0
	}
}

// mergeRegions coalesces neighbouring regions with identical flags
func (rs *regionSet) mergeRegions() {
	i := 0
	for i < rs.cnt()-1 {
		this := &rs.regions[i]
		next := rs.regions[i+1]
		if this.End() != next.Base || this.Flags != next.Flags {
			if this.End() > next.Base {
				panic(fmt.Sprintf("memblock: %s regions %d and %d overlap", rs.name, i, i+1))
			}
			i++
			continue
		}
		this.Size += next.Size
		rs.regions = append(rs.regions[:i+1], rs.regions[i+2:]...)
	}
}

// addRange inserts [base, base+size) leaving existing regions untouched.
// The first pass only counts the pieces needed, so a full table or a flag
// conflict rejects the request before anything changes.
func (rs *regionSet) addRange(base PhysAddr, size uint64, flags Flags) error {
	size = capSize(base, size)
	if size == 0 {
		return nil
	}
	end := base + PhysAddr(size)

	if rs.regions[0].Size == 0 {
		rs.regions[0] = Region{Base: base, Size: size, Flags: flags}
		rs.totalSize = size
		return nil
	}

	nrNew := 0
	cur := base
	for _, r := range rs.regions {
		if r.Base >= end {
			break
		}
		if r.End() <= cur {
			continue
		}
		if r.Flags != flags {
			return fmt.Errorf("%w: [%v+%#x) %s vs %s region at %v", ErrFlagsMismatch,
				base, size, flags, r.Flags, r.Base)
		}
		if r.Base > cur {
			nrNew++
		}
		cur = min(r.End(), end)
	}
	if cur < end {
		nrNew++
	}
	if nrNew == 0 {
		return nil
	}
	if rs.cnt()+nrNew > rs.max {
		klog.Error("memblock: %s is full (%d/%d), rejecting [%v+%#x)", rs.name, rs.cnt(), rs.max, base, size)
		return ErrFull
	}

	cur = base
	idx := 0
	for ; idx < rs.cnt(); idx++ {
		r := rs.regions[idx]
		if r.Base >= end {
			break
		}
		if r.End() <= cur {
			continue
		}
		if r.Base > cur {
			rs.insertRegion(idx, cur, uint64(r.Base-cur), flags)
			idx++
		}
		cur = min(r.End(), end)
	}
	if cur < end {
		rs.insertRegion(idx, cur, uint64(end-cur), flags)
	}
	rs.mergeRegions()
	return nil
}

// isolateRange splits regions crossing the boundaries of [base, base+size)
// and returns the index range [start, end) of the regions inside it. At
// most two regions are created.
func (rs *regionSet) isolateRange(base PhysAddr, size uint64) (startRgn, endRgn int, err error) {
	size = capSize(base, size)
	if size == 0 {
		return 0, 0, nil
	}
	if rs.cnt()+2 > rs.max {
		klog.Error("memblock: %s is full (%d/%d), cannot isolate [%v+%#x)", rs.name, rs.cnt(), rs.max, base, size)
		return 0, 0, ErrFull
	}
	end := base + PhysAddr(size)

	for idx := 0; idx < rs.cnt(); idx++ {
		r := &rs.regions[idx]
		rbase, rend := r.Base, r.End()
		if rbase >= end {
			break
		}
		if rend <= base {
			continue
		}
		switch {
		case rbase < base:
			// intersects from below, keep going with the new top half
			flags := r.Flags
			r.Base = base
			r.Size -= uint64(base - rbase)
			rs.totalSize -= uint64(base - rbase)
			rs.insertRegion(idx, rbase, uint64(base-rbase), flags)
		case rend > end:
			// intersects from above, redo the new bottom half
			flags := r.Flags
			r.Base = end
			r.Size -= uint64(end - rbase)
			rs.totalSize -= uint64(end - rbase)
			rs.insertRegion(idx, rbase, uint64(end-rbase), flags)
			idx--
		default:
			if endRgn == 0 {
				startRgn = idx
			}
			endRgn = idx + 1
		}
	}
	return startRgn, endRgn, nil
}

func (rs *regionSet) removeRange(base PhysAddr, size uint64) error {
	startRgn, endRgn, err := rs.isolateRange(base, size)
	if err != nil {
		return err
	}
	for i := endRgn - 1; i >= startRgn; i-- {
		rs.removeRegion(i)
	}
	return nil
}

// Add records [base, base+size) as RAM
func (m *Memblock) Add(base PhysAddr, size uint64) error {
	return m.AddRange(base, size, FlagNone)
}

// AddRange records [base, base+size) as RAM with the given flags
func (m *Memblock) AddRange(base PhysAddr, size uint64, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbg("memblock_add: [%#016x-%#016x] %s", uint64(base), uint64(base)+size-1, flags)
	return m.memory.addRange(base, size, flags)
}

// Reserve marks [base, base+size) as in use
func (m *Memblock) Reserve(base PhysAddr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(base, size)
}

func (m *Memblock) reserveLocked(base PhysAddr, size uint64) error {
	m.dbg("memblock_reserve: [%#016x-%#016x]", uint64(base), uint64(base)+size-1)
	return m.reserved.addRange(base, size, FlagNone)
}

// Remove drops [base, base+size) from RAM
func (m *Memblock) Remove(base PhysAddr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbg("memblock_remove: [%#016x-%#016x]", uint64(base), uint64(base)+size-1)
	return m.memory.removeRange(base, size)
}

// Free releases a reservation. The memory does not go to the page allocator.
func (m *Memblock) Free(base PhysAddr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbg("   memblock_free: [%#016x-%#016x]", uint64(base), uint64(base)+size-1)
	return m.reserved.removeRange(base, size)
}

func (m *Memblock) setClearFlag(base PhysAddr, size uint64, set bool, flag Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := &m.memory
	startRgn, endRgn, err := rs.isolateRange(base, size)
	if err != nil {
		return err
	}
	for i := startRgn; i < endRgn; i++ {
		if set {
			rs.regions[i].Flags |= flag
		} else {
			rs.regions[i].Flags &^= flag
		}
	}
	rs.mergeRegions()
	return nil
}

// MarkNomap keeps [base, base+size) out of the linear map
func (m *Memblock) MarkNomap(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, true, FlagNoMap)
}

// ClearNomap undoes MarkNomap
func (m *Memblock) ClearNomap(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, false, FlagNoMap)
}

// MarkDMA marks [base, base+size) as DMA memory
func (m *Memblock) MarkDMA(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, true, FlagDMA)
}

// ClearDMA undoes MarkDMA
func (m *Memblock) ClearDMA(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, false, FlagDMA)
}

// MarkMovable marks [base, base+size) as movable memory
func (m *Memblock) MarkMovable(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, true, FlagMovable)
}

// ClearMovable undoes MarkMovable
func (m *Memblock) ClearMovable(base PhysAddr, size uint64) error {
	return m.setClearFlag(base, size, false, FlagMovable)
}
