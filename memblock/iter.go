package memblock

import (
	"math"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// Cursor is the restartable position of a range iteration. The low 32
// bits index the source set, the high 32 bits the excluded set.
type Cursor uint64

const (
	// CursorStart begins a forward iteration
	CursorStart Cursor = 0
	// CursorEnd ends every iteration and begins a reverse one
	CursorEnd Cursor = math.MaxUint64
)

func packCursor(a, b int) Cursor {
	return Cursor(uint64(uint32(int32(a))) | uint64(uint32(int32(b)))<<32)
}

func (c Cursor) unpack() (a, b int) {
	return int(int32(uint32(c))), int(int32(uint32(c >> 32)))
}

// gapBounds returns the i-th hole between the regions of excl. Hole 0
// starts at 0, the last one ends at PhysAddrMax.
func gapBounds(excl *regionSet, i int) (start, end PhysAddr) {
	if i > 0 {
		start = excl.regions[i-1].End()
	}
	end = physmem.PhysAddrMax
	if i < excl.cnt() {
		end = excl.regions[i].Base
	}
	return start, end
}

// nextMemRange yields ranges of a with exactly the given flags that do not
// intersect excl. A nil excl yields the regions of a themselves.
func nextMemRange(c Cursor, flags Flags, a, excl *regionSet) (Cursor, PhysAddr, PhysAddr) {
	idxA, idxB := c.unpack()

	for ; idxA < a.cnt(); idxA++ {
		m := a.regions[idxA]
		mStart, mEnd := m.Base, m.End()
		if m.Flags != flags {
			continue
		}
		if excl == nil {
			return packCursor(idxA+1, idxB), mStart, mEnd
		}

		for ; idxB < excl.cnt()+1; idxB++ {
			rStart, rEnd := gapBounds(excl, idxB)
			if rStart >= mEnd {
				break
			}
			if mStart < rEnd {
				start, end := max(mStart, rStart), min(mEnd, rEnd)
				// advance whichever ends first
				if mEnd <= rEnd {
					idxA++
				} else {
					idxB++
				}
				return packCursor(idxA, idxB), start, end
			}
		}
	}
	return CursorEnd, 0, 0
}

// nextMemRangeRev is nextMemRange walking from the top down. Start it with CursorEnd.
func nextMemRangeRev(c Cursor, flags Flags, a, excl *regionSet) (Cursor, PhysAddr, PhysAddr) {
	idxA, idxB := c.unpack()
	if c == CursorEnd {
		idxA = a.cnt() - 1
		idxB = 0
		if excl != nil {
			idxB = excl.cnt()
		}
	}

	for ; idxA >= 0; idxA-- {
		m := a.regions[idxA]
		mStart, mEnd := m.Base, m.End()
		if m.Flags != flags {
			continue
		}
		if excl == nil {
			return packCursor(idxA-1, idxB), mStart, mEnd
		}

		for ; idxB >= 0; idxB-- {
			rStart, rEnd := gapBounds(excl, idxB)
			if rEnd <= mStart {
				break
			}
			if mEnd > rStart {
				start, end := max(mStart, rStart), min(mEnd, rEnd)
				if mStart >= rStart {
					idxA--
				} else {
					idxB--
				}
				return packCursor(idxA, idxB), start, end
			}
		}
	}
	return CursorEnd, 0, 0
}

func (m *Memblock) set(k Kind) *regionSet {
	if k == Reserved {
		return &m.reserved
	}
	return &m.memory
}

// NextMemRange advances a forward iteration over the ranges of set from
// with exactly flags. With exclude set, memory ranges are reduced by the
// reserved set and reserved ranges by the memory set.
func (m *Memblock) NextMemRange(c Cursor, flags Flags, from Kind, exclude bool) (next Cursor, start, end PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, excl := m.pair(from, exclude)
	return nextMemRange(c, flags, a, excl)
}

// NextMemRangeRev advances a reverse iteration started at CursorEnd
func (m *Memblock) NextMemRangeRev(c Cursor, flags Flags, from Kind, exclude bool) (next Cursor, start, end PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, excl := m.pair(from, exclude)
	return nextMemRangeRev(c, flags, a, excl)
}

func (m *Memblock) pair(from Kind, exclude bool) (*regionSet, *regionSet) {
	a := m.set(from)
	if !exclude {
		return a, nil
	}
	if from == Memory {
		return a, &m.reserved
	}
	return a, &m.memory
}

// NextReservedRegion advances over reserved regions, start at CursorStart
func (m *Memblock) NextReservedRegion(c Cursor) (next Cursor, start, end PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == CursorEnd || int(c) >= m.reserved.cnt() {
		return CursorEnd, 0, 0
	}
	r := m.reserved.regions[c]
	return c + 1, r.Base, r.End()
}

// NextMemPFNRange advances over memory regions holding at least one whole page
func (m *Memblock) NextMemPFNRange(c Cursor) (next Cursor, startPFN, endPFN uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == CursorEnd {
		return CursorEnd, 0, 0
	}
	for i := int(c); i < m.memory.cnt(); i++ {
		r := m.memory.regions[i]
		if r.BasePFN() >= r.EndPFN() {
			continue
		}
		return Cursor(i + 1), r.BasePFN(), r.EndPFN()
	}
	return CursorEnd, 0, 0
}

type addrRange struct{ start, end PhysAddr }

func (m *Memblock) collect(flags Flags, reverse bool) []addrRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, c := nextMemRange, CursorStart
	if reverse {
		next, c = nextMemRangeRev, CursorEnd
	}
	var out []addrRange
	for {
		var s, e PhysAddr
		c, s, e = next(c, flags, &m.memory, &m.reserved)
		if c == CursorEnd {
			return out
		}
		out = append(out, addrRange{s, e})
	}
}

// ForEachFreeRange calls fn for every range of memory with exactly flags
// that is not reserved, in ascending order. The tracker is not locked
// while fn runs.
func (m *Memblock) ForEachFreeRange(flags Flags, fn func(start, end PhysAddr)) {
	for _, r := range m.collect(flags, false) {
		fn(r.start, r.end)
	}
}

// ForEachFreeRangeReverse is ForEachFreeRange in descending order
func (m *Memblock) ForEachFreeRangeReverse(flags Flags, fn func(start, end PhysAddr)) {
	for _, r := range m.collect(flags, true) {
		fn(r.start, r.end)
	}
}

// ForEachReservedRegion calls fn for every reserved region
func (m *Memblock) ForEachReservedRegion(fn func(start, end PhysAddr)) {
	for _, r := range m.Regions(Reserved) {
		if r.Size == 0 {
			continue
		}
		fn(r.Base, r.End())
	}
}

// ForEachMemPFNRange calls fn with the whole-page span of every memory region
func (m *Memblock) ForEachMemPFNRange(fn func(startPFN, endPFN uint64)) {
	for _, r := range m.Regions(Memory) {
		if r.BasePFN() >= r.EndPFN() {
			continue
		}
		fn(r.BasePFN(), r.EndPFN())
	}
}

// ForEachRegion calls fn for every region of one set, flags included
func (m *Memblock) ForEachRegion(k Kind, fn func(r Region)) {
	for _, r := range m.Regions(k) {
		if r.Size == 0 {
			continue
		}
		fn(r)
	}
}

// Regions returns a copy of one set
func (m *Memblock) Regions(k Kind) []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.set(k)
	out := make([]Region, rs.cnt())
	copy(out, rs.regions)
	return out
}
