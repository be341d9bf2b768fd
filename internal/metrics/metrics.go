// ABOUTME: Prometheus instrumentation for the ingestion pipeline, caches and rate governor
// ABOUTME: Uses a private registry so tests and multiple instances never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callwatch"

// Decision outcomes.
const (
	OutcomeNotified   = "notified"
	OutcomeSuppressed = "suppressed"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// Metrics holds every collector callwatch exports. All methods are safe on
// a nil receiver so components can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	// BundlesTotal counts ingest attempts. Labels: result (enqueued, rejected, invalid)
	BundlesTotal *prometheus.CounterVec
	// QueueDepth is the number of bundles waiting for a worker.
	QueueDepth prometheus.Gauge
	// DecisionsTotal counts per-observer outcomes. Labels: outcome
	DecisionsTotal *prometheus.CounterVec
	// EvaluationFailures counts recovered errors and panics. Labels: reason
	EvaluationFailures *prometheus.CounterVec
	// DroppedEvidence counts malformed evidence items discarded at intake.
	DroppedEvidence prometheus.Counter
	// NotificationsTotal counts delivered notifications. Labels: kind
	NotificationsTotal *prometheus.CounterVec
	// CacheEvents counts cache traffic. Labels: cache, event (hit, miss, evict_expired, evict_capacity)
	CacheEvents *prometheus.CounterVec
	// GovernorWait observes time spent waiting for outbound tokens. Labels: tier
	GovernorWait *prometheus.HistogramVec
	// StoreFallbacks counts decision store calls served by the fallback. Labels: op
	StoreFallbacks *prometheus.CounterVec
	// EvaluationDuration observes per-observer evaluation latency.
	EvaluationDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BundlesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Evidence bundles offered for ingestion by result",
		}, []string{"result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Bundles waiting in the ingestion queue",
		}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Per-observer evaluation outcomes",
		}, []string{"outcome"}),
		EvaluationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_failures_total",
			Help:      "Observer evaluations that failed and will be retried on the next event",
		}, []string{"reason"}),
		DroppedEvidence: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_evidence_total",
			Help:      "Malformed evidence items discarded at intake",
		}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications delivered by kind",
		}, []string{"kind"}),
		CacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache hits, misses and evictions by cache",
		}, []string{"cache", "event"}),
		GovernorWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an outbound send token",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"tier"}),
		StoreFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fallbacks_total",
			Help:      "Decision store calls that failed and degraded to the fallback",
		}, []string{"op"}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Latency of a single observer evaluation",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Bundle counts one ingest attempt.
func (m *Metrics) Bundle(result string) {
	if m == nil {
		return
	}
	m.BundlesTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Decision counts one per-observer outcome.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// EvaluationFailed counts a recovered evaluation failure.
func (m *Metrics) EvaluationFailed(reason string) {
	if m == nil {
		return
	}
	m.EvaluationFailures.WithLabelValues(reason).Inc()
}

// EvidenceDropped counts discarded malformed items.
func (m *Metrics) EvidenceDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedEvidence.Add(float64(n))
}

// Notified counts a delivered notification.
func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveEvaluation records the latency of one evaluation.
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
}

// ObserveGovernorWait records time spent in one limiter tier.
func (m *Metrics) ObserveGovernorWait(tier string, d time.Duration) {
	if m == nil {
		return
	}
	m.GovernorWait.WithLabelValues(tier).Observe(d.Seconds())
}

// StoreFallback counts a degraded store call.
func (m *Metrics) StoreFallback(op string) {
	if m == nil {
		return
	}
	m.StoreFallbacks.WithLabelValues(op).Inc()
}

// CacheHit implements cache.StatsObserver.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(cache, "hit").Inc()
}

// CacheMiss implements cache.StatsObserver.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(cache, "miss").Inc()
}

// CacheEviction implements cache.StatsObserver.
func (m *Metrics) CacheEviction(cache, reason string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(cache, "evict_"+reason).Inc()
}
