// Package store provides persistent storage for callwatch decisions and tracking entries.
//
// # Architecture
//
// The store package is interface driven:
//
//   - DecisionStore: per-(subject, observer) ProcessingRecords with status-dependent TTL
//   - TrackingStore: observer interest in future value changes of a subject
//   - AuditStore: append-only decision audit log
//
// SQLiteStore implements all three. BadgerStore implements DecisionStore only and
// relies on badger's native entry TTL. MockStore implements all three in memory.
//
// # Monotonic upgrade
//
// Every backend funnels writes through MergeRecord:
//
//	stored      candidate   result
//	(none)      any         candidate written
//	rejected    accepted    upgrade, evidence merged
//	rejected    rejected    refresh, evidence merged
//	accepted    any         status kept, evidence merged only
//
// The read-merge-write sequence is atomic per key. SQLite uses an optimistic
// compare-and-swap on a version column; badger uses a read-write transaction
// that fails with ErrConflict on a concurrent write; both retry. A record that
// reached accepted can never be written back to rejected, whatever order
// concurrent writers finish in.
//
// # Retention
//
// Accepted records live for 14 days, rejected ones for 1 hour (configurable via
// WithTTLPolicy). The TTL is reset whenever the row is physically written. SQLite
// hides expired rows on read and deletes them in PurgeExpired.
//
// # Persisted format
//
// Records are stored as JSON:
//
//	{"status":"rejected","timestamp":"...","channels_checked":["a"],"channels_called_at":{"a":"..."}}
//
// Expiry is store metadata and never part of the payload.
//
// # Testing
//
// Use NewMockStore() for unit tests. SetErrors injects backend failures.
// Use NewSQLiteStore on a t.TempDir() path, or NewBadgerStore with InMemory, for
// integration tests.
package store
