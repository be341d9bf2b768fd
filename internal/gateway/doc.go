// Package gateway orchestrates the callwatch server components.
//
// # Overview
//
// The gateway package is the central coordinator of a callwatch server. It
// owns the stores, the decision service, the reverse index, the rate
// governor, the ingestion pipeline and the HTTP server, and decides the
// order they start and stop in.
//
// # Startup
//
//  1. Open SQLite (tracking, audit and by default decisions) and, if
//     database.driver is "badger", a badger decision store
//  2. Build caches, governor, filter registry, tracker and pipeline
//  3. Run rebuilds the reverse index from persisted tracking entries
//  4. Start the pipeline workers, purge janitor, config watcher and HTTP server
//
// /health/ready returns 503 until step 4 completes.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go and stream.go:
//
//   - POST /api/bundles - Queue an evidence bundle (202, 400, 429, 503)
//   - POST /api/tracking - Start tracking a subject's value for an observer
//   - GET /api/decisions - Current decision for a subject/observer pair
//   - GET /api/index - Observers tracking a subject
//   - GET /api/audit - Recent decision audit entries for a pair
//   - GET /api/observers - Configured observers
//   - GET /api/stats - Pipeline counters
//   - POST /api/notices - Operator message; skips per-observer rate limits
//   - GET /api/notifications/stream - Notifications as Server-Sent Events
//   - GET /api/notifications/ws - Notifications over a WebSocket
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// The metrics endpoint is mounted at metrics.path when metrics are enabled.
//
// # Shutdown
//
// On context cancellation the gateway marks itself not ready, closes
// notification streams, stops the HTTP server, then cancels the pipeline,
// which lets in-flight bundles finish, stops intake and drains already
// queued bundles before the stores are closed.
package gateway
