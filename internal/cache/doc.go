// Package cache provides the in-process caching layers used by callwatch.
//
// Cache wraps jellydator/ttlcache as a generic, capacity-bounded map with TTL
// expiry and LRU eviction. Expired entries are invisible to Get and removed
// by a background sweep. It sits in front
// of slow lookups and is never the only copy of anything: every value must be
// reconstructable from a store or an external call.
//
// Fallback is a bounded best-effort map consulted only when the durable store
// cannot be reached. It does not survive restarts.
package cache
