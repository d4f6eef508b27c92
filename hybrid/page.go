package hybrid

import (
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// PageFlags are the bits of a page descriptor's flags word
type PageFlags uint64

const (
	PGLocked PageFlags = 1 << iota
	PGReserved
	PGHead
	PGSlab
	PGActive
	PGArch1

	nrPageFlags = iota
)

// PGFrozen marks a slab owned by a CPU
const PGFrozen = PGActive

const (
	flagsCheckAtFree = PGLocked | PGReserved | PGSlab | PGActive
	flagsCheckAtPrep = PageFlags(1)<<nrPageFlags - 1
)

var pageFlagNames = [nrPageFlags]string{"locked", "reserved", "head", "slab", "active", "arch_1"}

func (f PageFlags) String() string {
	var parts []string
	for i, name := range pageFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Page types live in the mapcount word. A page with no type has mapcount -1.
const (
	pageTypeBase uint32 = 0xf0000000
	pgBuddy      uint32 = 0x00000080
	pgTable      uint32 = 0x00000400
)

type listNode struct {
	prev, next uint32
}

// Page describes one physical page frame
type Page struct {
	flags    atomic.Uint64
	mapcount atomic.Int32
	refcount atomic.Int32

	pfn  uint64
	zone ZoneType

	// order of a free block, or zero
	private uint64
	lru     listNode

	slab     *KmemCache
	freelist physmem.VirtAddr
	inuse    uint64

	head          *Page
	compoundOrder uint8
}

// PFN returns the page frame number
func (p *Page) PFN() uint64 { return p.pfn }

// Flags returns a snapshot of the flags word
func (p *Page) Flags() PageFlags { return PageFlags(p.flags.Load()) }

// RefCount returns the reference count
func (p *Page) RefCount() int { return int(p.refcount.Load()) }

// MapCount returns the map count, -1 for an unmapped page without a type
func (p *Page) MapCount() int { return int(p.mapcount.Load()) }

// Zone returns the zone the page belongs to
func (p *Page) Zone() ZoneType { return p.zone }

func (p *Page) testFlag(f PageFlags) bool { return p.flags.Load()&uint64(f) != 0 }
func (p *Page) setFlag(f PageFlags)       { p.flags.Or(uint64(f)) }
func (p *Page) clearFlag(f PageFlags)     { p.flags.And(^uint64(f)) }

func (p *Page) hasType(t uint32) bool {
	return uint32(p.mapcount.Load())&(pageTypeBase|t) == pageTypeBase
}

func (p *Page) setType(t uint32) {
	p.mapcount.Store(int32(uint32(p.mapcount.Load()) &^ t))
}

func (p *Page) clearType(t uint32) {
	p.mapcount.Store(int32(uint32(p.mapcount.Load()) | t))
}

func (p *Page) mapcountReset() { p.mapcount.Store(-1) }

// IsBuddy reports whether the page heads a free block in a zone free list
func (p *Page) IsBuddy() bool { return p.hasType(pgBuddy) }

func setPageOrder(p *Page, order int) {
	p.private = uint64(order)
	p.setType(pgBuddy)
}

func rmvPageOrder(p *Page) {
	p.clearType(pgBuddy)
	p.private = 0
}

func pageOrder(p *Page) int { return int(p.private) }

// IsTail reports whether the page is a non-head part of a compound page
func (p *Page) IsTail() bool { return p.head != nil }

func (p *Page) isCompound() bool { return p.testFlag(PGHead) || p.IsTail() }

func compoundHead(p *Page) *Page {
	if p.head != nil {
		return p.head
	}
	return p
}

// CompoundOrder returns the order of a compound head page, zero otherwise
func (p *Page) CompoundOrder() int {
	if !p.testFlag(PGHead) {
		return 0
	}
	return int(p.compoundOrder)
}

func setCompoundHead(p, head *Page) { p.head = head }
func clearCompoundHead(p *Page)     { p.head = nil }

func (p *Page) setPageCount(v int32) { p.refcount.Store(v) }
func (p *Page) initPageCount()       { p.refcount.Store(1) }

func (p *Page) putPageTestZero() bool { return p.refcount.Add(-1) == 0 }

// slabLock spins on the Locked bit
func (p *Page) slabLock() {
	for !p.slabTrylock() {
		runtime.Gosched()
	}
}

func (p *Page) slabTrylock() bool {
	for {
		old := p.flags.Load()
		if old&uint64(PGLocked) != 0 {
			return false
		}
		if p.flags.CompareAndSwap(old, old|uint64(PGLocked)) {
			return true
		}
	}
}

func (p *Page) slabUnlock() { p.clearFlag(PGLocked) }

// pageList is an intrusive doubly linked list threaded through Page.lru.
// Links are indices into the memory map, offset by one so that zero ends
// the list.
type pageList struct {
	pages      []Page
	head, tail uint32
	n          int
}

func (a *Allocator) newPageList() pageList { return pageList{pages: a.memMap} }

func (l *pageList) at(i uint32) *Page {
	if i == 0 {
		return nil
	}
	return &l.pages[i-1]
}

func (l *pageList) index(p *Page) uint32 { return uint32(p.pfn-l.pages[0].pfn) + 1 }

func (l *pageList) empty() bool  { return l.head == 0 }
func (l *pageList) len() int     { return l.n }
func (l *pageList) front() *Page { return l.at(l.head) }
func (l *pageList) back() *Page  { return l.at(l.tail) }

func (l *pageList) next(p *Page) *Page { return l.at(p.lru.next) }

func (l *pageList) pushFront(p *Page) {
	i := l.index(p)
	p.lru = listNode{next: l.head}
	if l.head != 0 {
		l.at(l.head).lru.prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.n++
}

func (l *pageList) pushBack(p *Page) {
	i := l.index(p)
	p.lru = listNode{prev: l.tail}
	if l.tail != 0 {
		l.at(l.tail).lru.next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.n++
}

func (l *pageList) remove(p *Page) {
	if p.lru.prev != 0 {
		l.at(p.lru.prev).lru.next = p.lru.next
	} else {
		l.head = p.lru.next
	}
	if p.lru.next != 0 {
		l.at(p.lru.next).lru.prev = p.lru.prev
	} else {
		l.tail = p.lru.prev
	}
	p.lru = listNode{}
	l.n--
}

// each walks the list; fn may remove the page it is given
func (l *pageList) each(fn func(p *Page)) {
	for i := l.head; i != 0; {
		p := l.at(i)
		i = p.lru.next
		fn(p)
	}
}
