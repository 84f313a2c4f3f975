package flight

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Expiring is a single-flight cache that forgets each resolved entry a fixed
// delay after it resolved. Reads do not extend the delay.
type Expiring[K comparable, V any] struct {
	g     group[K, V]
	items *ttlcache.Cache[K, V]
}

// NewExpiring returns an Expiring cache with the given post-resolution delay.
// Call Start to run the background expiry loop.
func NewExpiring[K comparable, V any](ttl time.Duration) *Expiring[K, V] {
	items := ttlcache.New[K, V](
		ttlcache.WithTTL[K, V](ttl),
		ttlcache.WithDisableTouchOnHit[K, V](),
	)
	return &Expiring[K, V]{
		g:     group[K, V]{done: ttlSlots[K, V]{c: items}},
		items: items,
	}
}

// Start runs the expiry loop in a new goroutine.
func (e *Expiring[K, V]) Start() { go e.items.Start() }

// Stop ends the expiry loop.
func (e *Expiring[K, V]) Stop() { e.items.Stop() }

// Get behaves like Cache.Get.
func (e *Expiring[K, V]) Get(ctx context.Context, key K, produce Producer[K, V]) (V, error) {
	return e.g.get(ctx, key, produce)
}

// Forget drops the resolved entry for key, if any.
func (e *Expiring[K, V]) Forget(key K) { e.g.forget(key) }

// Len returns the number of resolved and in-flight entries.
func (e *Expiring[K, V]) Len() int { return e.g.len() }

type ttlSlots[K comparable, V any] struct {
	c *ttlcache.Cache[K, V]
}

func (s ttlSlots[K, V]) load(key K) (V, bool) {
	// Get skips items past their deadline even before the loop removes them.
	item := s.c.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

func (s ttlSlots[K, V]) save(key K, val V) { s.c.Set(key, val, ttlcache.DefaultTTL) }
func (s ttlSlots[K, V]) remove(key K)      { s.c.Delete(key) }
func (s ttlSlots[K, V]) size() int         { return s.c.Len() }
