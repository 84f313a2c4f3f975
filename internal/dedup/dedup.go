// Package dedup suppresses repeated upstream deliveries of the same
// real-world event within a time window.
package dedup

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/zeebo/xxh3"
)

// DefaultTTL is how long a fingerprint is remembered.
const DefaultTTL = time.Hour

// Window remembers event fingerprints for a fixed duration after first sight.
type Window struct {
	mu    sync.Mutex
	items *ttlcache.Cache[uint64, struct{}]
}

// New returns a Window remembering fingerprints for ttl.
func New(ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Window{
		items: ttlcache.New[uint64, struct{}](
			ttlcache.WithTTL[uint64, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[uint64, struct{}](),
		),
	}
}

// Start runs the expiry loop in a new goroutine.
func (w *Window) Start() { go w.items.Start() }

// Stop ends the expiry loop.
func (w *Window) Stop() { w.items.Stop() }

// Seen records fingerprint and reports whether it was already present.
func (w *Window) Seen(fingerprint string) bool {
	key := xxh3.HashString(fingerprint)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.items.Get(key) != nil {
		return true
	}
	w.items.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

// Len returns the number of remembered fingerprints.
func (w *Window) Len() int { return w.items.Len() }
