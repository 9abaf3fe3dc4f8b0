package util

import "sync"

// RingBuffer keeps the last N values pushed, oldest first. Safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	slots []T
	start int
	n     int
}

// NewRingBuffer holds up to capacity values; capacity below 1 holds one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{slots: make([]T, max(capacity, 1))}
}

func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[(r.start+r.n)%len(r.slots)] = v
	if r.n < len(r.slots) {
		r.n++
		return
	}
	r.start = (r.start + 1) % len(r.slots)
}

// Tail copies the newest n values, oldest first. n <= 0 means all.
func (r *RingBuffer[T]) Tail(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]T, n)
	skip := r.n - n
	for i := range out {
		out[i] = r.slots[(r.start+skip+i)%len(r.slots)]
	}
	return out
}

// Snapshot copies every value, oldest first.
func (r *RingBuffer[T]) Snapshot() []T { return r.Tail(0) }

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Reset empties the buffer and keeps its capacity.
func (r *RingBuffer[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.slots)
	r.start, r.n = 0, 0
}
