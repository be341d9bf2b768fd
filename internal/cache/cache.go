// ABOUTME: Thread-safe TTL + LRU cache placed in front of slow lookups, built on jellydator/ttlcache.
// ABOUTME: Used for decision records, observer lists and per-observer rate limiters.

package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Default sizing when Options leaves fields zero.
const (
	DefaultCapacity      = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Eviction reasons reported to a StatsObserver.
const (
	ReasonExpired  = "expired"
	ReasonCapacity = "capacity"
)

// StatsObserver receives cache events, typically to feed metrics.
// Evictions are reported asynchronously.
type StatsObserver interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEviction(cache, reason string)
}

// Options configures a Cache.
type Options struct {
	// Name labels this cache in stats.
	Name string
	// Capacity is the maximum number of live entries.
	Capacity int
	// TTL applies when Set is called with ttl <= 0.
	TTL time.Duration
	// SweepInterval is how often expired entries are removed in the
	// background. Negative disables the sweeper.
	SweepInterval time.Duration
	// Stats is optional.
	Stats StatsObserver
}

// Cache is a capacity-bounded map whose entries leave by whichever comes
// first: TTL expiry or least-recently-used eviction. Reads do not extend
// an entry's TTL; GetOrSet does.
type Cache[V any] struct {
	items     *ttlcache.Cache[string, V]
	opts      Options
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache. Unless SweepInterval is negative a background
// goroutine periodically removes expired entries; call Close to stop it.
func New[V any](opts Options) *Cache[V] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	c := &Cache[V]{
		items: ttlcache.New[string, V](
			ttlcache.WithTTL[string, V](opts.TTL),
			ttlcache.WithCapacity[string, V](uint64(opts.Capacity)),
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.Stats != nil {
		c.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, V]) {
			switch reason {
			case ttlcache.EvictionReasonCapacityReached:
				opts.Stats.CacheEviction(opts.Name, ReasonCapacity)
			case ttlcache.EvictionReasonExpired:
				opts.Stats.CacheEviction(opts.Name, ReasonExpired)
			}
		})
	}
	if opts.SweepInterval > 0 {
		go c.cleanup()
	}
	return c
}

// Get returns the value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil {
		c.miss()
		var zero V
		return zero, false
	}
	c.hit()
	return item.Value(), true
}

// Set stores value under key. ttl <= 0 uses the cache default.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.items.Set(key, value, ttl)
}

// GetOrSet returns the live value for key, or stores and returns create().
// A hit pushes the entry's expiry forward, so active keys behave as
// idle-timeout entries. When two callers miss together only the first
// stored value is kept and both receive it.
func (c *Cache[V]) GetOrSet(key string, create func() V) V {
	if item := c.items.Get(key); item != nil {
		c.items.Touch(key)
		c.hit()
		return item.Value()
	}
	c.miss()
	item, _ := c.items.GetOrSet(key, create())
	return item.Value()
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.items.Delete(key)
}

// Len returns the number of stored entries, including expired ones the
// sweeper has not reached yet.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}

// Keys returns the stored keys in sorted order.
func (c *Cache[V]) Keys() []string {
	keys := c.items.Keys()
	slices.Sort(keys)
	return keys
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) sweep() {
	c.items.DeleteExpired()
}

func (c *Cache[V]) hit() {
	if c.opts.Stats != nil {
		c.opts.Stats.CacheHit(c.opts.Name)
	}
}

func (c *Cache[V]) miss() {
	if c.opts.Stats != nil {
		c.opts.Stats.CacheMiss(c.opts.Name)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
