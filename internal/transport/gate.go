package transport

import "sync/atomic"

// ResponseGate tracks whether a model response is in flight. It is shared by
// everything that may request a response so at most one is outstanding.
type ResponseGate struct {
	active atomic.Bool
}

// TryBegin marks a response active. It reports false if one already was.
func (g *ResponseGate) TryBegin() bool {
	return g.active.CompareAndSwap(false, true)
}

// Mark sets the gate without checking, for responses the server started on its own.
func (g *ResponseGate) Mark() {
	g.active.Store(true)
}

func (g *ResponseGate) Active() bool {
	return g.active.Load()
}

// End clears the gate and reports whether a response was active.
func (g *ResponseGate) End() bool {
	return g.active.Swap(false)
}
