package loop

import "sync/atomic"

// Ref is a single-slot cell holding the latest value of something a
// long-lived subscription reads on every delivery, typically a handler that
// changes with the view's configuration. Storing a new value never requires
// the subscription to be torn down.
type Ref[T any] struct {
	p atomic.Pointer[T]
}

// NewRef returns a cell holding v.
func NewRef[T any](v T) *Ref[T] {
	r := &Ref[T]{}
	r.Store(v)
	return r
}

// Load returns the current value, or the zero value if none was stored.
func (r *Ref[T]) Load() T {
	if p := r.p.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Store replaces the value.
func (r *Ref[T]) Store(v T) {
	r.p.Store(&v)
}
