// Package mempool keeps a reserve of preallocated elements so that
// allocations made under memory pressure can still make progress.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/klog"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

var (
	// ErrInvalid reports a bad pool argument
	ErrInvalid = errors.New("mempool: invalid argument")
	// ErrExhausted is returned when both the allocator and the reserve are
	// out of elements
	ErrExhausted = errors.New("mempool: reserve exhausted")
	// ErrClosed is returned by operations on a closed pool
	ErrClosed = errors.New("mempool: closed")
)

// Backend allocates and frees the pool's elements
type Backend interface {
	Alloc(cpu int, gfp hybrid.GFP) (physmem.VirtAddr, error)
	Free(cpu int, va physmem.VirtAddr) error
}

// PoolStats represents memory pool statistics
type PoolStats struct {
	TotalAllocations uint64
	// served by the backend
	BackendHits uint64
	// served from the reserve
	ReserveHits uint64
	Failures    uint64
	TotalFrees  uint64
	// frees that refilled the reserve
	Refills uint64
}

// Pool represents a memory pool: a backend plus at least MinNr elements
// held back for when the backend fails
type Pool struct {
	mu      sync.Mutex
	name    string
	minNr   int
	reserve []physmem.VirtAddr
	backend Backend
	stats   PoolStats
	closed  bool
}

// New creates a pool over backend and fills its reserve with minNr
// elements allocated on cpu
func New(cpu int, name string, minNr int, backend Backend) (*Pool, error) {
	if minNr < 1 || backend == nil {
		return nil, fmt.Errorf("%w: pool %s with %d elements", ErrInvalid, name, minNr)
	}
	p := &Pool{
		name:    name,
		minNr:   minNr,
		reserve: make([]physmem.VirtAddr, 0, minNr),
		backend: backend,
	}
	for len(p.reserve) < minNr {
		va, err := backend.Alloc(cpu, hybrid.GFPKernel)
		if err != nil {
			p.drain(cpu)
			return nil, fmt.Errorf("failed to pre-allocate element %d of pool %s: %w", len(p.reserve), name, err)
		}
		p.reserve = append(p.reserve, va)
	}
	klog.Debug("mempool %s: %d elements reserved", name, minNr)
	return p, nil
}

// Name returns the pool name
func (p *Pool) Name() string { return p.name }

// MinNr returns the reserve target
func (p *Pool) MinNr() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minNr
}

// Reserved returns the elements currently held in the reserve
func (p *Pool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserve)
}

// Alloc returns an element. The backend is tried first, without failure
// warnings; the reserve is only dipped into when it fails.
func (p *Pool) Alloc(cpu int, gfp hybrid.GFP) (physmem.VirtAddr, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.stats.TotalAllocations++
	p.mu.Unlock()

	va, err := p.backend.Alloc(cpu, gfp|hybrid.GFPNoWarn)
	if err == nil {
		p.mu.Lock()
		p.stats.BackendHits++
		p.mu.Unlock()
		return va, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.reserve); n > 0 {
		va = p.reserve[n-1]
		p.reserve = p.reserve[:n-1]
		p.stats.ReserveHits++
		return va, nil
	}
	p.stats.Failures++
	if gfp&hybrid.GFPNoWarn == 0 {
		klog.Warn("mempool %s: allocation failed with an empty reserve: %v", p.name, err)
	}
	return 0, fmt.Errorf("%w: %s: %w", ErrExhausted, p.name, err)
}

// Free returns an element. It refills the reserve if that is short and
// goes back to the backend otherwise.
func (p *Pool) Free(cpu int, va physmem.VirtAddr) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.backend.Free(cpu, va)
	}
	p.stats.TotalFrees++
	if len(p.reserve) < p.minNr {
		p.reserve = append(p.reserve, va)
		p.stats.Refills++
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.backend.Free(cpu, va)
}

// Resize changes the reserve target. Growing allocates the missing
// elements right away; shrinking frees the surplus.
func (p *Pool) Resize(cpu int, minNr int) error {
	if minNr < 1 {
		return fmt.Errorf("%w: pool %s with %d elements", ErrInvalid, p.name, minNr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for len(p.reserve) > minNr {
		n := len(p.reserve)
		if err := p.backend.Free(cpu, p.reserve[n-1]); err != nil {
			return err
		}
		p.reserve = p.reserve[:n-1]
	}
	p.minNr = minNr
	for len(p.reserve) < minNr {
		va, err := p.backend.Alloc(cpu, hybrid.GFPKernel)
		if err != nil {
			return fmt.Errorf("failed to grow pool %s to %d elements: %w", p.name, minNr, err)
		}
		p.reserve = append(p.reserve, va)
	}
	return nil
}

// Stats returns a copy of the pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close releases the reserve. Elements still held by callers must be
// freed through Free, which passes them straight to the backend.
func (p *Pool) Close(cpu int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	err := p.drain(cpu)

	s := p.stats
	klog.Info("mempool %s: %d allocations (%d backend, %d reserve, %d failed), %d frees (%d refills)",
		p.name, s.TotalAllocations, s.BackendHits, s.ReserveHits, s.Failures, s.TotalFrees, s.Refills)
	return err
}

func (p *Pool) drain(cpu int) error {
	var errs []error
	for _, va := range p.reserve {
		if err := p.backend.Free(cpu, va); err != nil {
			errs = append(errs, err)
		}
	}
	p.reserve = p.reserve[:0]
	return errors.Join(errs...)
}
