package main

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
	"github.com/shenjiangwei/kmemAllocator/physmem"
)

// Workload describes one run of random allocations and frees
type Workload struct {
	Ops int
	// share of operations that allocate
	AllocRatio float64
	// share of allocations that go to the page allocator
	PageRatio  float64
	MaxKmalloc uint64
	MaxOrder   int
	Seed       int64
}

// DefaultWorkload mixes kmalloc of up to two pages with small page blocks
func DefaultWorkload() Workload {
	return Workload{
		Ops:        100000,
		AllocRatio: 0.7,
		PageRatio:  0.1,
		MaxKmalloc: 2 * physmem.PageSize,
		MaxOrder:   3,
		Seed:       1,
	}
}

// TestResult stores test iteration results
type TestResult struct {
	Iteration     int
	Allocations   uint64
	Frees         uint64
	Failures      uint64
	FreeErrors    uint64
	Held          int
	PeakBytes     uint64
	TotalDuration time.Duration
}

type held struct {
	size  uint64
	order int // -1 for kmalloc
}

// runTest runs w on every CPU of a at once. Objects are freed by whichever
// worker picks them, so most frees cross CPUs. Everything still held at
// the end is freed before returning.
func runTest(a *hybrid.Allocator, iteration int, w Workload, stop <-chan struct{}) TestResult {
	allocated := make(map[physmem.VirtAddr]held)
	var mutex sync.Mutex
	var wg sync.WaitGroup
	var allocs, frees, failures, freeErrors atomic.Uint64
	var bytes, peak uint64

	startTime := time.Now()
	ops := 0

	for cpu := 0; cpu < a.CPUs(); cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(w.Seed + int64(iteration)*1000 + int64(cpu)))
			for {
				select {
				case <-stop:
					return
				default:
				}
				mutex.Lock()
				if ops >= w.Ops {
					mutex.Unlock()
					return
				}
				ops++
				mutex.Unlock()

				if rnd.Float64() < w.AllocRatio {
					var (
						va  physmem.VirtAddr
						h   held
						err error
					)
					if rnd.Float64() < w.PageRatio {
						h.order = rnd.Intn(w.MaxOrder + 1)
						h.size = physmem.PageSize << h.order
						va, err = a.GetFreePages(cpu, hybrid.GFPNoWarn, h.order)
					} else {
						h.order = -1
						h.size = uint64(rnd.Int63n(int64(w.MaxKmalloc))) + 1
						va, err = a.Kmalloc(cpu, h.size, hybrid.GFPNoWarn)
					}
					if err != nil {
						failures.Add(1)
						continue
					}
					allocs.Add(1)
					mutex.Lock()
					allocated[va] = h
					bytes += h.size
					peak = max(peak, bytes)
					mutex.Unlock()
					continue
				}

				mutex.Lock()
				var (
					va physmem.VirtAddr
					h  held
					ok bool
				)
				// map order is random enough to pick a victim
				for va, h = range allocated {
					ok = true
					break
				}
				if ok {
					delete(allocated, va)
					bytes -= h.size
				}
				mutex.Unlock()
				if !ok {
					continue
				}
				if err := release(a, cpu, va, h); err != nil {
					freeErrors.Add(1)
				}
				frees.Add(1)
			}
		}(cpu)
	}

	wg.Wait()
	duration := time.Since(startTime)

	result := TestResult{
		Iteration:     iteration,
		Allocations:   allocs.Load(),
		Frees:         frees.Load(),
		Failures:      failures.Load(),
		FreeErrors:    freeErrors.Load(),
		Held:          len(allocated),
		PeakBytes:     peak,
		TotalDuration: duration,
	}
	for va, h := range allocated {
		if err := release(a, 0, va, h); err != nil {
			result.FreeErrors++
		}
	}
	return result
}

func release(a *hybrid.Allocator, cpu int, va physmem.VirtAddr, h held) error {
	if h.order < 0 {
		return a.Kfree(cpu, va)
	}
	return a.FreePagesAddr(cpu, va, h.order)
}
