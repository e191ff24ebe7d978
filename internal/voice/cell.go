package voice

import "sync/atomic"

// Cell holds the current value of one piece of orchestrator state. Callbacks
// that outlive the call that started them read through a Cell so they see
// the value at the time they run.
type Cell[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current value, or the zero value when unset.
func (c *Cell[T]) Load() T {
	if v := c.p.Load(); v != nil {
		return *v
	}
	var zero T
	return zero
}

func (c *Cell[T]) Store(v T) {
	c.p.Store(&v)
}

// Swap replaces the value and returns the previous one.
func (c *Cell[T]) Swap(v T) T {
	if old := c.p.Swap(&v); old != nil {
		return *old
	}
	var zero T
	return zero
}
