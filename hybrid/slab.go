package hybrid

import (
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/percpu"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// poisonInuse fills a fresh slab of a SlabPoison cache
const poisonInuse = 0x5a

// Constructor prepares an object when the slab holding it is created.
// Objects are constructed once, not on every allocation.
type Constructor interface {
	Construct(obj []byte)
}

// CtorFunc adapts a plain function to Constructor
type CtorFunc func(obj []byte)

// Construct calls f(obj)
func (f CtorFunc) Construct(obj []byte) { f(obj) }

type noopCtor struct{}

func (noopCtor) Construct([]byte) {}

// kmemCacheCPU is the slab a CPU allocates from. Only touched with that
// CPU's irq lock held.
type kmemCacheCPU struct {
	// objects taken over from page, chained through their free pointers
	freelist physmem.VirtAddr
	page     *Page
	offset   uint64
	objsize  uint64
}

type kmemCacheNode struct {
	listLock  sync.Mutex
	nrPartial int
	nrSlabs   atomic.Int64
	partial   pageList
}

// KmemCache hands out objects of one size, carved from slabs of
// 2^order pages
type KmemCache struct {
	a *Allocator

	name    string
	objsize uint64 // size asked for
	size    uint64 // object stride in the slab
	inuse   uint64 // bytes before the metadata
	offset  uint64 // of the free pointer within an object
	align   uint64
	order   int
	objects uint64 // per slab
	flags   SlabFlags
	ctor    Constructor
	hasCtor bool

	minPartial int

	// protected by slubLock; negative means never merge
	refcount int

	active  atomic.Int64
	node    kmemCacheNode
	cpuSlab *percpu.Area[kmemCacheCPU]
}

// Name returns the cache name
func (s *KmemCache) Name() string { return s.name }

// Size returns the object size callers may use
func (s *KmemCache) Size() uint64 {
	s.a.slubLock.Lock()
	defer s.a.slubLock.Unlock()
	return s.objsize
}

// Order returns the page order of the cache's slabs
func (s *KmemCache) Order() int { return s.order }

// ObjectsPerSlab returns how many objects one slab holds
func (s *KmemCache) ObjectsPerSlab() uint64 { return s.objects }

// ActiveObjects returns the number of objects currently allocated
func (s *KmemCache) ActiveObjects() int64 { return s.active.Load() }

func (s *KmemCache) getFreePointer(obj physmem.VirtAddr) physmem.VirtAddr {
	return s.a.readPtr(obj + physmem.VirtAddr(s.offset))
}

func (s *KmemCache) setFreePointer(obj, fp physmem.VirtAddr) {
	s.a.writePtr(obj+physmem.VirtAddr(s.offset), fp)
}

func (s *KmemCache) checkValidPointer(page *Page, obj physmem.VirtAddr) bool {
	if obj == 0 {
		return true
	}
	base := s.a.PageAddress(page)
	if obj < base || uint64(obj-base) >= s.objects*s.size {
		return false
	}
	return uint64(obj-base)%s.size == 0
}

// allocateSlab gets the pages for a slab. Zone and zeroing come from the
// cache, not from the caller.
func (s *KmemCache) allocateSlab(cpu int, gfp GFP) (*Page, error) {
	gfp &^= GFPDMA | GFPMovable | GFPZero
	if s.flags&SlabCacheDMA != 0 {
		gfp |= GFPDMA
	}
	return s.a.allocPages(cpu, gfp, s.order)
}

func (s *KmemCache) setupObject(obj physmem.VirtAddr) {
	if !s.hasCtor {
		return
	}
	mem, err := s.a.Memory(obj, s.objsize)
	if err != nil {
		klog.Panic("BUG: slab %s: object %v outside of memory", s.name, obj)
	}
	s.ctor.Construct(mem)
}

func (s *KmemCache) newSlab(cpu int, gfp GFP) (*Page, error) {
	page, err := s.allocateSlab(cpu, gfp)
	if err != nil {
		return nil, err
	}
	s.node.nrSlabs.Add(1)
	page.slab = s
	page.setFlag(PGSlab)

	start := s.a.PageAddress(page)
	if s.flags&SlabPoison != 0 {
		s.a.arena.Fill(start.Phys(), physmem.PageSize<<s.order, poisonInuse)
	}

	last := start
	for i := uint64(1); i < s.objects; i++ {
		p := start + physmem.VirtAddr(i*s.size)
		s.setupObject(last)
		s.setFreePointer(last, p)
		last = p
	}
	s.setupObject(last)
	s.setFreePointer(last, 0)

	page.freelist = start
	page.inuse = 0
	return page, nil
}

// discardSlab gives an empty slab back to the page allocator. cpu's irq
// lock must be held.
func (s *KmemCache) discardSlab(cpu int, page *Page) {
	s.node.nrSlabs.Add(-1)
	page.mapcountReset()
	page.clearFlag(PGSlab)
	page.slab = nil
	page.freelist = 0
	page.inuse = 0
	if err := s.a.freePages(cpu, page, s.order); err != nil {
		klog.Error("slab %s: releasing slab pfn:%05x: %v", s.name, page.pfn, err)
	}
}

func (n *kmemCacheNode) addPartialTail(page *Page) {
	n.listLock.Lock()
	n.nrPartial++
	n.partial.pushBack(page)
	n.listLock.Unlock()
}

func (n *kmemCacheNode) addPartial(page *Page) {
	n.listLock.Lock()
	n.nrPartial++
	n.partial.pushFront(page)
	n.listLock.Unlock()
}

func (n *kmemCacheNode) removePartial(page *Page) {
	n.listLock.Lock()
	n.partial.remove(page)
	n.nrPartial--
	n.listLock.Unlock()
}

func (n *kmemCacheNode) partialCount() int {
	n.listLock.Lock()
	defer n.listLock.Unlock()
	return n.nrPartial
}

// lockAndFreezeSlab takes page off the partial list if its lock is free.
// Call with listLock held; the page lock is taken in the reverse order
// elsewhere, hence the trylock.
func (n *kmemCacheNode) lockAndFreezeSlab(page *Page) bool {
	if !page.slabTrylock() {
		return false
	}
	n.partial.remove(page)
	n.nrPartial--
	page.setFlag(PGFrozen)
	return true
}

// getPartial returns a locked, frozen slab from the partial list
func (n *kmemCacheNode) getPartial() *Page {
	n.listLock.Lock()
	defer n.listLock.Unlock()
	for p := n.partial.front(); p != nil; p = n.partial.next(p) {
		if n.lockAndFreezeSlab(p) {
			return p
		}
	}
	return nil
}

// unfreezeSlab returns a CPU's slab to the node lists. Called with the
// page locked; the lock is released on return.
func (s *KmemCache) unfreezeSlab(cpu int, page *Page) {
	n := &s.node
	page.clearFlag(PGFrozen)
	if page.inuse > 0 {
		if page.freelist != 0 {
			n.addPartial(page)
		}
		page.slabUnlock()
		return
	}
	if n.partialCount() < s.minPartial {
		// empty slabs queue behind the ones that still hold objects
		n.addPartialTail(page)
		page.slabUnlock()
		return
	}
	page.slabUnlock()
	s.discardSlab(cpu, page)
}

// deactivateSlab hands the CPU's objects back to its slab and releases it.
// The slab page is locked on entry.
func (s *KmemCache) deactivateSlab(cpu int, c *kmemCacheCPU) {
	page := c.page
	for c.freelist != 0 {
		obj := c.freelist
		c.freelist = s.a.readPtr(obj + physmem.VirtAddr(c.offset))

		s.a.writePtr(obj+physmem.VirtAddr(c.offset), page.freelist)
		page.freelist = obj
		page.inuse--
	}
	c.page = nil
	s.unfreezeSlab(cpu, page)
}

func (s *KmemCache) flushSlab(cpu int, c *kmemCacheCPU) {
	c.page.slabLock()
	s.deactivateSlab(cpu, c)
}

// flushAll deactivates the slab of every CPU. The caller must not hold
// any CPU's irq lock.
func (s *KmemCache) flushAll() {
	s.a.cpus.OnEachCPU(func(cpu int) {
		if c := s.cpuSlab.Ptr(cpu); c.page != nil {
			s.flushSlab(cpu, c)
		}
	})
}

// slowAlloc refills the CPU freelist from its slab, a partial slab or a
// new one, and returns the first object. cpu's irq lock is held.
func (s *KmemCache) slowAlloc(cpu int, gfp GFP, c *kmemCacheCPU) (physmem.VirtAddr, error) {
	if c.page != nil {
		c.page.slabLock()
		if obj := s.loadFreelist(c); obj != 0 {
			return obj, nil
		}
		s.deactivateSlab(cpu, c)
	}

	if page := s.node.getPartial(); page != nil {
		c.page = page
		if obj := s.loadFreelist(c); obj != 0 {
			return obj, nil
		}
		// a partial slab always has a free object
		klog.Panic("BUG: slab %s: partial slab pfn:%05x has no free objects", s.name, page.pfn)
	}

	page, err := s.newSlab(cpu, gfp)
	if err != nil {
		return 0, err
	}
	if c.page != nil {
		s.flushSlab(cpu, c)
	}
	page.slabLock()
	page.setFlag(PGFrozen)
	c.page = page
	return s.loadFreelist(c), nil
}

// loadFreelist moves all free objects of the locked CPU slab to the CPU
// and unlocks the slab. It returns 0, with the slab still locked, when
// there is nothing to take.
func (s *KmemCache) loadFreelist(c *kmemCacheCPU) physmem.VirtAddr {
	page := c.page
	obj := page.freelist
	if obj == 0 {
		return 0
	}
	c.freelist = s.a.readPtr(obj + physmem.VirtAddr(c.offset))
	page.inuse = s.objects
	page.freelist = 0
	page.slabUnlock()
	return obj
}

func (s *KmemCache) slabAlloc(cpu int, gfp GFP) (physmem.VirtAddr, error) {
	c := s.a.lockCPU(cpu)
	cs := s.cpuSlab.Ptr(cpu)

	var obj physmem.VirtAddr
	var err error
	if cs.freelist == 0 {
		obj, err = s.slowAlloc(cpu, gfp, cs)
	} else {
		obj = cs.freelist
		cs.freelist = s.a.readPtr(obj + physmem.VirtAddr(cs.offset))
	}
	objsize := cs.objsize
	c.LocalIRQRestore()

	if err != nil {
		return 0, err
	}
	s.active.Add(1)
	if gfp&GFPZero != 0 {
		s.a.arena.Zero(obj.Phys(), objsize)
	}
	return obj, nil
}

// slowFree returns an object to a slab the CPU does not own
func (s *KmemCache) slowFree(cpu int, page *Page, obj physmem.VirtAddr, offset uint64) {
	page.slabLock()

	prior := page.freelist
	s.a.writePtr(obj+physmem.VirtAddr(offset), prior)
	page.freelist = obj
	page.inuse--

	if page.testFlag(PGFrozen) {
		page.slabUnlock()
		return
	}
	if page.inuse == 0 {
		if prior != 0 {
			s.node.removePartial(page)
		}
		page.slabUnlock()
		s.discardSlab(cpu, page)
		return
	}
	// it was full, so it was on no list
	if prior == 0 {
		s.node.addPartialTail(page)
	}
	page.slabUnlock()
}

func (s *KmemCache) slabFree(cpu int, page *Page, obj physmem.VirtAddr) {
	c := s.a.lockCPU(cpu)
	defer c.LocalIRQRestore()

	s.active.Add(-1)
	cs := s.cpuSlab.Ptr(cpu)
	if page == cs.page {
		s.a.writePtr(obj+physmem.VirtAddr(cs.offset), cs.freelist)
		cs.freelist = obj
		return
	}
	s.slowFree(cpu, page, obj, cs.offset)
}

// objectPage returns the slab page holding obj, nil when obj is not in
// a slab
func (a *Allocator) objectPage(obj physmem.VirtAddr) *Page {
	page := a.VirtToHeadPage(obj)
	if page == nil || !page.testFlag(PGSlab) {
		return nil
	}
	return page
}

// KmemCacheAlloc allocates an object from s on cpu
func (a *Allocator) KmemCacheAlloc(cpu int, s *KmemCache, gfp GFP) (physmem.VirtAddr, error) {
	return s.slabAlloc(cpu, gfp)
}

// KmemCacheFree returns obj to s. Pointers that are not objects of s are
// refused.
func (a *Allocator) KmemCacheFree(cpu int, s *KmemCache, obj physmem.VirtAddr) error {
	page := a.objectPage(obj)
	if page == nil || page.slab != s || !s.checkValidPointer(page, obj) {
		klog.Error("kmem_cache_free(%s): %v is not an object of this cache", s.name, obj)
		return ErrInvalidAddress
	}
	s.slabFree(cpu, page, obj)
	return nil
}

// KmemPtrValidate reports whether obj points at an object slot of s. It
// does not tell whether the object is allocated.
func (a *Allocator) KmemPtrValidate(s *KmemCache, obj physmem.VirtAddr) bool {
	page := a.objectPage(obj)
	if page == nil || page.slab != s {
		return false
	}
	return s.checkValidPointer(page, obj)
}

// freeList discards the empty slabs of a list and counts the rest. The
// caller holds cpu's irq lock.
func (s *KmemCache) freeList(cpu int) int {
	n := &s.node
	n.listLock.Lock()
	defer n.listLock.Unlock()
	inuse := 0
	n.partial.each(func(page *Page) {
		if page.inuse != 0 {
			inuse++
			return
		}
		n.partial.remove(page)
		n.nrPartial--
		s.discardSlab(cpu, page)
	})
	return inuse
}

// close releases every slab and reports whether objects remain
func (s *KmemCache) close(cpu int) bool {
	s.flushAll()

	c := s.a.lockCPU(cpu)
	defer c.LocalIRQRestore()
	s.freeList(cpu)
	return s.node.nrSlabs.Load() != 0
}
