package api

import "sync"

// Ring keeps the last N values pushed, overwriting the oldest when full.
type Ring[T any] struct {
	buf  []T
	size int
	head int // write position
	full bool
	mu   sync.RWMutex
}

// NewRing creates a ring holding up to size values (default 100).
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 100
	}
	return &Ring[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends v, dropping the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns the stored values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]T, r.head)
		copy(out, r.buf[:r.head])
		return out
	}

	// Wrap-around: head -> end + start -> head
	out := make([]T, r.size)
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:r.head])
	return out
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.size
	}
	return r.head
}

// Capacity returns the maximum number of stored values.
func (r *Ring[T]) Capacity() int {
	return r.size
}
