// Package decision is the pipeline's read and write path for per-(subject, observer) decisions.
//
// # Lookup order
//
//  1. decision cache (TTL capped by the record's store expiry)
//  2. DecisionStore, bounded by StoreTimeout
//  3. fallback map, only when the store errored; the result is marked Degraded
//
// A store miss is not an error and never consults the fallback.
//
// # Recording
//
// Record writes through the store's monotonic upsert and caches what the store
// holds afterwards. When the write fails the candidate is merged into the
// fallback with the same merge rule, so a later degraded Lookup still sees the
// strongest decision, and the error goes back to the caller.
package decision
