package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/mempool"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// ServiceName is the name the allocator is registered under
const ServiceName = "Kmem"

// ErrNotAllocated is reported for frees of addresses this server never
// handed out
var ErrNotAllocated = errors.New("address not allocated through this server")

type allocKind int

const (
	kindKmalloc allocKind = iota
	kindPages
	kindPool
)

type allocation struct {
	kind  allocKind
	order int
}

// Server exposes an allocator to remote clients
type Server struct {
	allocator *hybrid.Allocator
	pool      *mempool.Pool
	rpc       *rpc.Server

	mu        sync.Mutex
	allocated map[physmem.VirtAddr]allocation
	listener  net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
}

// KmallocRequest represents a kmalloc request
type KmallocRequest struct {
	CPU  int
	Size uint64
	GFP  hybrid.GFP
}

// KmallocResponse represents a kmalloc response
type KmallocResponse struct {
	Addr physmem.VirtAddr
	// usable size, from ksize
	Size  uint64
	Error string
}

// PagesRequest represents a page allocation request
type PagesRequest struct {
	CPU   int
	Order int
	GFP   hybrid.GFP
}

// PagesResponse represents a page allocation response
type PagesResponse struct {
	Addr  physmem.VirtAddr
	PFN   uint64
	Error string
}

// FreeRequest represents a free of anything allocated through the server
type FreeRequest struct {
	CPU  int
	Addr physmem.VirtAddr
}

// FreeResponse represents a free response
type FreeResponse struct {
	Error string
}

// Empty is the argument of the inspection calls. gob refuses structs
// without exported fields.
type Empty struct {
	Unused bool
}

// BuddyInfoResponse carries the per-zone free block counts
type BuddyInfoResponse struct {
	Zones []hybrid.ZoneInfo
}

// SlabInfoResponse carries the slab cache list
type SlabInfoResponse struct {
	Caches []hybrid.SlabInfo
}

// DmesgRequest asks for the kernel log, optionally clearing it
type DmesgRequest struct {
	Clear bool
}

// DmesgResponse carries the kernel log
type DmesgResponse struct {
	Lines []string
}

// NewServer creates a server for allocator. reserve order-0 pages are
// held back in a pool so that single page requests keep working when the
// allocator runs dry; zero disables the pool.
func NewServer(allocator *hybrid.Allocator, reserve int) (*Server, error) {
	s := &Server{
		allocator: allocator,
		rpc:       rpc.NewServer(),
		allocated: make(map[physmem.VirtAddr]allocation),
		conns:     make(map[net.Conn]struct{}),
	}
	if reserve > 0 {
		pool, err := mempool.NewPagePool(allocator, 0, reserve, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create page pool: %w", err)
		}
		s.pool = pool
	}
	if err := s.rpc.RegisterName(ServiceName, &Service{s: s}); err != nil {
		if s.pool != nil {
			s.pool.Close(0)
		}
		return nil, err
	}
	return s, nil
}

// Start starts the server on the specified address
func (s *Server) Start(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until the server is closed
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	klog.Info("Server listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			klog.Error("Failed to accept connection: %v", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go func() {
			s.rpc.ServeConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Outstanding returns the number of allocations not yet freed
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocated)
}

func (s *Server) validCPU(cpu int) error {
	if cpu < 0 || cpu >= s.allocator.CPUs() {
		return fmt.Errorf("cpu %d out of range [0,%d)", cpu, s.allocator.CPUs())
	}
	return nil
}

func (s *Server) track(va physmem.VirtAddr, a allocation) {
	s.mu.Lock()
	s.allocated[va] = a
	s.mu.Unlock()
}

func (s *Server) free(cpu int, va physmem.VirtAddr) error {
	s.mu.Lock()
	a, ok := s.allocated[va]
	if ok {
		delete(s.allocated, va)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotAllocated, va)
	}
	return s.release(cpu, va, a)
}

func (s *Server) release(cpu int, va physmem.VirtAddr, a allocation) error {
	switch a.kind {
	case kindPool:
		return s.pool.Free(cpu, va)
	case kindPages:
		return s.allocator.FreePagesAddr(cpu, va, a.order)
	default:
		return s.allocator.Kfree(cpu, va)
	}
}

// Close stops the listener, drops open connections and frees everything
// the clients left allocated
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	leftover := s.allocated
	s.allocated = make(map[physmem.VirtAddr]allocation)
	s.mu.Unlock()

	var errs []error
	if len(leftover) > 0 {
		klog.Warn("rpc: freeing %d allocations left by clients", len(leftover))
	}
	for va, a := range leftover {
		if err := s.release(0, va, a); err != nil {
			errs = append(errs, err)
		}
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close(0))
	}
	return errors.Join(errs...)
}

// Service holds the methods exported over RPC
type Service struct {
	s *Server
}

// Kmalloc allocates req.Size bytes
func (svc *Service) Kmalloc(req *KmallocRequest, resp *KmallocResponse) error {
	s := svc.s
	if err := s.validCPU(req.CPU); err != nil {
		resp.Error = err.Error()
		return nil
	}
	va, err := s.allocator.Kmalloc(req.CPU, req.Size, req.GFP)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Addr = va
	if va != hybrid.ZeroSizePtr {
		resp.Size, _ = s.allocator.Ksize(va)
		s.track(va, allocation{kind: kindKmalloc})
	}
	return nil
}

// AllocPages allocates 2^req.Order pages. Single pages fall back to the
// server's reserve.
func (svc *Service) AllocPages(req *PagesRequest, resp *PagesResponse) error {
	s := svc.s
	if err := s.validCPU(req.CPU); err != nil {
		resp.Error = err.Error()
		return nil
	}
	var (
		va  physmem.VirtAddr
		err error
		a   = allocation{kind: kindPages, order: req.Order}
	)
	if req.Order == 0 && s.pool != nil {
		va, err = s.pool.Alloc(req.CPU, req.GFP)
		a.kind = kindPool
	} else {
		va, err = s.allocator.GetFreePages(req.CPU, req.GFP, req.Order)
	}
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	s.track(va, a)
	resp.Addr, resp.PFN = va, va.Phys().PFN()
	return nil
}

// Free releases an allocation made by Kmalloc or AllocPages
func (svc *Service) Free(req *FreeRequest, resp *FreeResponse) error {
	s := svc.s
	if req.Addr == hybrid.ZeroSizePtr {
		return nil
	}
	if err := s.validCPU(req.CPU); err != nil {
		resp.Error = err.Error()
		return nil
	}
	if err := s.free(req.CPU, req.Addr); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

// BuddyInfo returns the per-order free block counts of every zone
func (svc *Service) BuddyInfo(_ *Empty, resp *BuddyInfoResponse) error {
	resp.Zones = svc.s.allocator.BuddyInfo()
	return nil
}

// SlabInfo returns the slab caches
func (svc *Service) SlabInfo(_ *Empty, resp *SlabInfoResponse) error {
	resp.Caches = svc.s.allocator.SlabInfo()
	return nil
}

// MemInfo returns the memory summary
func (svc *Service) MemInfo(_ *Empty, resp *hybrid.MemInfo) error {
	*resp = svc.s.allocator.MemInfo()
	return nil
}

// DrainAllPages empties every per-CPU page list
func (svc *Service) DrainAllPages(_ *Empty, _ *Empty) error {
	svc.s.allocator.DrainAllPages()
	return nil
}

// Dmesg returns the kernel log
func (svc *Service) Dmesg(req *DmesgRequest, resp *DmesgResponse) error {
	resp.Lines = klog.Dmesg()
	if req.Clear {
		klog.ClearDmesg()
	}
	return nil
}
