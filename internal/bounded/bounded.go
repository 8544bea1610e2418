// Package bounded provides the fixed-capacity collections the engine keeps
// its time-series state in. Capacity is enforced by dropping the oldest
// entry; insertion order is preserved and overflow is never an error.
package bounded

// Ring is a fixed-capacity FIFO buffer. A full Ring drops its oldest
// element on Push. The zero value is not usable; call NewRing.
type Ring[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// At returns the i-th element, oldest first. It panics on out-of-range i,
// matching slice semantics.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic("bounded: ring index out of range")
	}
	return r.buf[(r.head+i)%len(r.buf)]
}

// Items returns the elements oldest-first as a fresh slice.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// TrimTo discards all but the newest n elements.
func (r *Ring[T]) TrimTo(n int) {
	if n < 0 {
		n = 0
	}
	if r.count <= n {
		return
	}
	drop := r.count - n
	r.head = (r.head + drop) % len(r.buf)
	r.count = n
}

// Window is a bounded float64 sample window with running aggregates.
type Window struct {
	ring *Ring[float64]
	sum  float64
}

// NewWindow creates a sample window holding at most capacity values.
func NewWindow(capacity int) *Window {
	return &Window{ring: NewRing[float64](capacity)}
}

// Add records a sample, evicting the oldest when full.
func (w *Window) Add(v float64) {
	if w.ring.Len() == w.ring.Cap() {
		w.sum -= w.ring.At(0)
	}
	w.ring.Push(v)
	w.sum += v
}

// Len returns the number of stored samples.
func (w *Window) Len() int { return w.ring.Len() }

// Mean returns the average sample, or 0 with no samples.
func (w *Window) Mean() float64 {
	if w.ring.Len() == 0 {
		return 0
	}
	return w.sum / float64(w.ring.Len())
}

// Values returns the samples oldest-first.
func (w *Window) Values() []float64 { return w.ring.Items() }

// Fill replaces the window contents with the given samples, keeping the
// newest ones when there are more than the capacity.
func (w *Window) Fill(samples []float64) {
	w.ring = NewRing[float64](w.ring.Cap())
	w.sum = 0
	start := 0
	if len(samples) > w.ring.Cap() {
		start = len(samples) - w.ring.Cap()
	}
	for _, v := range samples[start:] {
		w.Add(v)
	}
}
