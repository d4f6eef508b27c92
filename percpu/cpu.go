// Package percpu provides CPU identity, local interrupt masking and per-CPU storage
package percpu

import (
	"fmt"
	"sync"
)

// CPU is one logical processor. Disabling its local interrupts is modelled
// as holding irq; code running on behalf of the CPU holds it around any
// manipulation of that CPU's private lists, and a remote CPU acquires it to
// stand in for an inter-processor call.
type CPU struct {
	id  int
	irq sync.Mutex
}

// ID returns the processor number
func (c *CPU) ID() int { return c.id }

// LocalIRQSave disables local interrupts on c
func (c *CPU) LocalIRQSave() { c.irq.Lock() }

// LocalIRQRestore re-enables local interrupts on c
func (c *CPU) LocalIRQRestore() { c.irq.Unlock() }

// TryLocalIRQSave disables local interrupts only if nobody else holds them
func (c *CPU) TryLocalIRQSave() bool { return c.irq.TryLock() }

// Set is the fixed set of possible CPUs
type Set struct {
	cpus []*CPU
}

// NewSet creates n CPUs numbered 0..n-1
func NewSet(n int) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("percpu: invalid cpu count %d", n)
	}
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{id: i}
	}
	return s, nil
}

// Len returns the number of possible CPUs
func (s *Set) Len() int { return len(s.cpus) }

// Get returns CPU id, panicking on an out of range id like a bad smp_processor_id would
func (s *Set) Get(id int) *CPU {
	if id < 0 || id >= len(s.cpus) {
		panic(fmt.Sprintf("percpu: cpu %d out of range [0,%d)", id, len(s.cpus)))
	}
	return s.cpus[id]
}

// Valid reports whether id names a possible CPU
func (s *Set) Valid(id int) bool { return id >= 0 && id < len(s.cpus) }

// OnEachCPU runs fn on every CPU with that CPU's local interrupts disabled
func (s *Set) OnEachCPU(fn func(cpu int)) {
	for _, c := range s.cpus {
		c.LocalIRQSave()
		fn(c.id)
		c.LocalIRQRestore()
	}
}
