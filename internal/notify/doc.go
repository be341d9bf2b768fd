// Package notify delivers notifications to observers.
//
// # Sinks
//
//   - LogNotifier: writes each notification to slog
//   - WebhookNotifier: POSTs JSON, any non-2xx response is an error
//   - Broadcaster: fans out to SSE and WebSocket subscribers; slow
//     subscribers lose messages rather than blocking the sender
//   - Multi: calls every sink and joins their errors
//
// Delivery is at-most-once. Callers persist the decision first and do not
// retry a failed send.
package notify
