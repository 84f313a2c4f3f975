// Package flight provides caches that run at most one producer per key at a
// time and share its result with every concurrent caller.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
)

// ErrPanic is wrapped by the error returned to waiters of a producer that
// panicked.
var ErrPanic = errors.New("producer panicked")

// Producer computes the value for key. It runs detached from the caller's
// cancellation, since other callers may be waiting on the same result.
type Producer[K comparable, V any] func(ctx context.Context, key K) (V, error)

// cell is one producer run. done is closed once val and err are final.
type cell[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func (c *cell[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// slots stores resolved values.
type slots[K comparable, V any] interface {
	load(K) (V, bool)
	save(K, V)
	remove(K)
	size() int
}

// group holds the pending runs in front of a slot store. Pending cells are
// never evicted, so a key cannot get two concurrent producers.
type group[K comparable, V any] struct {
	mu      sync.Mutex
	pending map[K]*cell[V]
	done    slots[K, V]
}

func (g *group[K, V]) get(ctx context.Context, key K, produce Producer[K, V]) (V, error) {
	g.mu.Lock()
	if v, ok := g.done.load(key); ok {
		g.mu.Unlock()
		return v, nil
	}
	c, ok := g.pending[key]
	if !ok {
		c = &cell[V]{done: make(chan struct{})}
		if g.pending == nil {
			g.pending = make(map[K]*cell[V])
		}
		g.pending[key] = c
		go g.run(context.WithoutCancel(ctx), key, c, produce)
	}
	g.mu.Unlock()
	return c.wait(ctx)
}

func (g *group[K, V]) run(ctx context.Context, key K, c *cell[V], produce Producer[K, V]) {
	defer close(c.done)
	c.val, c.err = call(ctx, key, produce)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[key] == c {
		delete(g.pending, key)
	}
	if c.err == nil {
		g.done.save(key, c.val)
	}
}

func call[K comparable, V any](ctx context.Context, key K, produce Producer[K, V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			v, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return produce(ctx, key)
}

func (g *group[K, V]) forget(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done.remove(key)
}

func (g *group[K, V]) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done.size() + len(g.pending)
}

// Cache is a single-flight cache whose resolved entries are bounded by an
// LRU policy.
type Cache[K comparable, V any] struct {
	g group[K, V]
}

// NewCache returns a Cache keeping at most capacity resolved entries.
// A capacity of zero means no limit.
func NewCache[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{g: group[K, V]{done: &lruSlots[K, V]{c: lru.New(capacity)}}}
}

// Get returns the value for key, running produce if no resolved or
// in-flight entry exists. A failed run is not cached; its waiters receive
// the error and the next Get retries.
func (c *Cache[K, V]) Get(ctx context.Context, key K, produce Producer[K, V]) (V, error) {
	return c.g.get(ctx, key, produce)
}

// Forget drops the resolved entry for key, if any.
func (c *Cache[K, V]) Forget(key K) { c.g.forget(key) }

// Len returns the number of resolved and in-flight entries.
func (c *Cache[K, V]) Len() int { return c.g.len() }

type lruSlots[K comparable, V any] struct {
	c *lru.Cache
}

func (s *lruSlots[K, V]) load(key K) (V, bool) {
	v, ok := s.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *lruSlots[K, V]) save(key K, val V) { s.c.Add(key, val) }
func (s *lruSlots[K, V]) remove(key K)      { s.c.Remove(key) }
func (s *lruSlots[K, V]) size() int         { return s.c.Len() }
