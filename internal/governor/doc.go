// Package governor limits outbound notifications.
//
// Two token buckets are consulted in order: one per observer (default 1/s),
// then one shared by everyone (default 30/s). Both use burst 1, so no one
// second window ever sees more than rate+1 permits. Priority sends skip the
// per-observer bucket and still take a global permit.
//
// Per-observer limiters live in a capacity-bounded cache and are dropped after
// IdleTTL without use.
package governor
