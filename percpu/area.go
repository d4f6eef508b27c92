package percpu

// Area holds one T per CPU. Slots are padded to a cache line so that
// neighbouring CPUs do not share one.
type Area[T any] struct {
	slots []slot[T]
}

type slot[T any] struct {
	v T
	_ [64]byte
}

// NewArea allocates an area for n CPUs and runs init on every slot
func NewArea[T any](n int, init func(cpu int, v *T)) *Area[T] {
	a := &Area[T]{slots: make([]slot[T], n)}
	if init != nil {
		for i := range a.slots {
			init(i, &a.slots[i].v)
		}
	}
	return a
}

// Ptr returns the slot of cpu (per_cpu_ptr)
func (a *Area[T]) Ptr(cpu int) *T {
	return &a.slots[cpu].v
}

// Len returns the number of slots
func (a *Area[T]) Len() int { return len(a.slots) }

// Each calls fn on every slot in CPU order
func (a *Area[T]) Each(fn func(cpu int, v *T)) {
	for i := range a.slots {
		fn(i, &a.slots[i].v)
	}
}
