// Package bus implements an in-process broadcast bus with one bounded
// mailbox per subscriber.
//
// Publish never blocks. When a mailbox is full the event is dropped for that
// subscriber only, and its next read at that position reports how many events
// it missed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Recv once the handle or its bus is closed.
var ErrClosed = errors.New("bus: closed")

// LagError reports events dropped from a full mailbox.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("bus: lagged, %d events missed", e.Missed)
}

// DefaultCapacity is the mailbox size used when New is given zero.
const DefaultCapacity = 128

// Bus fans every published value out to all live handles.
type Bus[T any] struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Handle[T]]struct{}
	closed bool
}

// New returns a bus whose handles buffer up to capacity values each.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{capacity: capacity, subs: make(map[*Handle[T]]struct{})}
}

// Subscribe returns a new handle that observes every value published from
// now on. Subscribing to a closed bus returns an already closed handle.
func (b *Bus[T]) Subscribe() *Handle[T] {
	h := &Handle[T]{bus: b, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		h.closed = true
		return h
	}
	b.subs[h] = struct{}{}
	return h
}

// Unsubscribe closes h. It is safe to call more than once.
func (b *Bus[T]) Unsubscribe(h *Handle[T]) {
	h.Close()
}

// Publish delivers v to every live handle and reports how many handles
// accepted it and how many had to drop it.
func (b *Bus[T]) Publish(v T) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for h := range b.subs {
		if h.push(v, b.capacity) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Len returns the number of live handles.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes the bus and every handle. Handles still return the values
// already queued before reporting ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Handle[T]]struct{})
	b.closed = true
	b.mu.Unlock()

	for h := range subs {
		h.shutdown(false)
	}
}

func (b *Bus[T]) remove(h *Handle[T]) {
	b.mu.Lock()
	delete(b.subs, h)
	b.mu.Unlock()
}

// entry is either a value or, when missed > 0, a lag marker.
type entry[T any] struct {
	val    T
	missed uint64
}

// Handle is one subscriber's view of the bus. Recv must not be called
// concurrently from more than one goroutine.
type Handle[T any] struct {
	bus    *Bus[T]
	notify chan struct{}

	mu     sync.Mutex
	queue  []entry[T]
	values int // entries in queue that are not lag markers
	closed bool
}

func (h *Handle[T]) push(v T, capacity int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.values >= capacity {
		if n := len(h.queue); n > 0 && h.queue[n-1].missed > 0 {
			h.queue[n-1].missed++
		} else {
			h.queue = append(h.queue, entry[T]{missed: 1})
		}
		h.signal()
		return false
	}
	h.queue = append(h.queue, entry[T]{val: v})
	h.values++
	h.signal()
	return true
}

func (h *Handle[T]) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next value in publish order. If values were dropped at
// this position it returns a *LagError once, then continues with the values
// that follow. It returns ErrClosed after the handle is closed and drained,
// or ctx.Err() when ctx ends first.
func (h *Handle[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		h.mu.Lock()
		if len(h.queue) > 0 {
			e := h.queue[0]
			h.queue[0] = entry[T]{}
			h.queue = h.queue[1:]
			if e.missed == 0 {
				h.values--
			}
			h.mu.Unlock()
			if e.missed > 0 {
				return zero, &LagError{Missed: e.missed}
			}
			return e.val, nil
		}
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-h.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of values waiting in the mailbox.
func (h *Handle[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values
}

// Close detaches the handle from the bus and discards queued values.
func (h *Handle[T]) Close() {
	h.bus.remove(h)
	h.shutdown(true)
}

func (h *Handle[T]) shutdown(discard bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if discard {
		h.queue = nil
		h.values = 0
	}
	h.closed = true
	h.signal()
}
