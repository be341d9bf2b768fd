// ABOUTME: Best-effort fallback map consulted only when the backing store is unreachable.
// ABOUTME: Bounded in size, TTL-governed via patrickmn/go-cache, lost on restart.

package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Fallback remembers recent values so reads can degrade gracefully while
// the durable store is down. It is never a substitute for the store.
type Fallback[V any] struct {
	mu         sync.Mutex // serializes Put so the size check and insert are atomic
	items      *gocache.Cache
	maxEntries int
	ttl        time.Duration
}

// NewFallback creates a fallback holding at most maxEntries values for ttl.
func NewFallback[V any](maxEntries int, ttl time.Duration) *Fallback[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Fallback[V]{
		items:      gocache.New(ttl, 2*ttl),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Put stores value unless the fallback is full. Returns false when dropped.
func (f *Fallback[V]) Put(key string, value V) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, found := f.items.Get(key); !found && f.items.ItemCount() >= f.maxEntries {
		f.items.DeleteExpired()
		if f.items.ItemCount() >= f.maxEntries {
			return false
		}
	}
	f.items.Set(key, value, f.ttl)
	return true
}

// Lookup returns a remembered value.
func (f *Fallback[V]) Lookup(key string) (V, bool) {
	var zero V
	obj, found := f.items.Get(key)
	if !found {
		return zero, false
	}
	v, ok := obj.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Forget drops key, used once the store has accepted the value.
func (f *Fallback[V]) Forget(key string) {
	f.items.Delete(key)
}

// Len returns the number of held items, possibly including expired ones.
func (f *Fallback[V]) Len() int {
	return f.items.ItemCount()
}
