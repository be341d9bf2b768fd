// Package metrics exposes callwatch's Prometheus collectors on a private
// registry. All methods are safe on a nil *Metrics.
package metrics
