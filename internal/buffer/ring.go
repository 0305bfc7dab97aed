// Package buffer provides the bounded FIFO used between producer and
// consumer stages of a vehicle pipeline. Each ring has exactly one producer
// and one consumer.
package buffer

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity circular FIFO. Push evicts the oldest unread
// entry when full so the producer never blocks; TryPush refuses instead.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	evicted uint64
	notify  chan struct{}
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v, discarding the oldest unread entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	if r.size == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
		r.size--
		r.evicted++
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	r.mu.Unlock()
	r.wake()
}

// TryPush appends v only when there is room. Returns false when full.
func (r *Ring[T]) TryPush(v T) bool {
	r.mu.Lock()
	if r.size == len(r.items) {
		r.mu.Unlock()
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	r.mu.Unlock()
	r.wake()
	return true
}

// Pop removes and returns the oldest entry. ok is false when empty.
func (r *Ring[T]) Pop() (v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Ring[T]) popLocked() (v T, ok bool) {
	if r.size == 0 {
		return v, false
	}
	var zero T
	v = r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// PopWait blocks until an entry is available or the timeout elapses. The
// bounded wait lets consumer loops recheck their stop flag periodically.
func (r *Ring[T]) PopWait(timeout time.Duration) (v T, ok bool) {
	if v, ok = r.Pop(); ok {
		return v, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.notify:
			if v, ok = r.Pop(); ok {
				return v, true
			}
		case <-timer.C:
			return r.Pop()
		}
	}
}

func (r *Ring[T]) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return len(r.items) }

// Evicted returns how many entries Push has discarded so far.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
