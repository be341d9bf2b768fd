// ABOUTME: Bounded ingestion queue drained by a worker pool that evaluates bundles per observer
// ABOUTME: Separate semaphores cap observer evaluations and slow external lookups

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/2389/callwatch/internal/cache"
	"github.com/2389/callwatch/internal/decision"
	"github.com/2389/callwatch/internal/evidence"
	"github.com/2389/callwatch/internal/index"
	"github.com/2389/callwatch/internal/metrics"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/store"
)

var (
	// ErrQueueFull is returned by Enqueue in reject mode when the queue is at capacity.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrClosed is returned by Enqueue once the pipeline has shut down.
	ErrClosed = errors.New("pipeline closed")
)

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy string

const (
	OverflowBlock  OverflowPolicy = "block"
	OverflowReject OverflowPolicy = "reject"
)

// ReevaluatePolicy decides what evidence the predicate sees on re-evaluation.
type ReevaluatePolicy string

const (
	// ReevaluateFull passes every item inside the lookback horizon.
	ReevaluateFull ReevaluatePolicy = "full"
	// ReevaluateDelta passes only the items the differ reported as new.
	ReevaluateDelta ReevaluatePolicy = "delta"
)

// Predicate decides whether an observer is interested in a subject's evidence.
type Predicate interface {
	Evaluate(ctx context.Context, observerID, subjectID string, items []evidence.Item) (bool, error)
}

// ObserverSource enumerates candidate observers for a subject no one tracks yet.
type ObserverSource interface {
	ListObservers(ctx context.Context, subjectID string) ([]string, error)
}

// Limiter gates outbound notifications.
type Limiter interface {
	Acquire(ctx context.Context, observerID string, priority bool) error
}

// AuditSink receives one entry per decision, off the critical path.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
}

// Tracker follows value growth of tracked subjects.
type Tracker interface {
	Track(ctx context.Context, entry *store.TrackingEntry) error
	Observe(ctx context.Context, subjectID string, currentValue float64) (int, error)
}

// Config sizes the pipeline. Zero fields take DefaultConfig values.
type Config struct {
	QueueCapacity     int
	Overflow          OverflowPolicy
	Workers           int
	EvalConcurrency   int64
	LookupConcurrency int64
	LookupTimeout     time.Duration
	PredicateTimeout  time.Duration
	AuditTimeout      time.Duration
	DrainTimeout      time.Duration
	// Lookback is how far back evidence is considered. Zero means unbounded.
	Lookback   time.Duration
	Reevaluate ReevaluatePolicy
	// TrackOnAccept starts value tracking for every newly accepted pair.
	TrackOnAccept bool

	ObserverCacheCapacity int
	ObserverCacheTTL      time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:         10000,
		Overflow:              OverflowBlock,
		Workers:               4,
		EvalConcurrency:       5,
		LookupConcurrency:     10,
		LookupTimeout:         5 * time.Second,
		PredicateTimeout:      2 * time.Second,
		AuditTimeout:          5 * time.Second,
		DrainTimeout:          10 * time.Second,
		Lookback:              24 * time.Hour,
		Reevaluate:            ReevaluateFull,
		ObserverCacheCapacity: 1000,
		ObserverCacheTTL:      2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Overflow == "" {
		c.Overflow = def.Overflow
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.EvalConcurrency <= 0 {
		c.EvalConcurrency = def.EvalConcurrency
	}
	if c.LookupConcurrency <= 0 {
		c.LookupConcurrency = def.LookupConcurrency
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = def.LookupTimeout
	}
	if c.PredicateTimeout <= 0 {
		c.PredicateTimeout = def.PredicateTimeout
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = def.AuditTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.Reevaluate == "" {
		c.Reevaluate = def.Reevaluate
	}
	if c.ObserverCacheCapacity <= 0 {
		c.ObserverCacheCapacity = def.ObserverCacheCapacity
	}
	if c.ObserverCacheTTL <= 0 {
		c.ObserverCacheTTL = def.ObserverCacheTTL
	}
	return c
}

// Deps are the collaborators the pipeline drives. Audit and Tracker are optional.
type Deps struct {
	Decisions *decision.Service
	Index     *index.ReverseIndex
	Predicate Predicate
	Observers ObserverSource
	Governor  Limiter
	Notifier  notify.Notifier
	Audit     AuditSink
	Tracker   Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Enqueued   uint64 `json:"enqueued"`
	Rejected   uint64 `json:"rejected"`
	Processed  uint64 `json:"processed"`
	Notified   uint64 `json:"notified"`
	Suppressed uint64 `json:"suppressed"`
	Failed     uint64 `json:"failed"`
	QueueDepth int    `json:"queue_depth"`
}

// Pipeline is the ingestion engine.
type Pipeline struct {
	cfg  Config
	deps Deps

	queue    chan *evidence.Bundle
	stopping chan struct{}
	mu       sync.RWMutex // guards closed against in-flight sends
	closed   bool
	running  atomic.Bool

	evalSem   *semaphore.Weighted
	lookupSem *semaphore.Weighted
	lookups   singleflight.Group
	observers *cache.Cache[[]string]

	audits sync.WaitGroup

	enqueued, rejected, processed, notified, suppressed, failed atomic.Uint64

	logger *slog.Logger
}

// New validates deps and builds a pipeline. Call Run to start the workers.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Decisions == nil || deps.Predicate == nil || deps.Governor == nil || deps.Notifier == nil {
		return nil, errors.New("pipeline needs decisions, predicate, governor and notifier")
	}
	if deps.Index == nil {
		deps.Index = index.New(deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Overflow != OverflowBlock && cfg.Overflow != OverflowReject {
		return nil, fmt.Errorf("unknown overflow policy %q", cfg.Overflow)
	}
	if cfg.Reevaluate != ReevaluateFull && cfg.Reevaluate != ReevaluateDelta {
		return nil, fmt.Errorf("unknown reevaluate policy %q", cfg.Reevaluate)
	}

	var stats cache.StatsObserver
	if deps.Metrics != nil {
		stats = deps.Metrics
	}
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		queue:     make(chan *evidence.Bundle, cfg.QueueCapacity),
		stopping:  make(chan struct{}),
		evalSem:   semaphore.NewWeighted(cfg.EvalConcurrency),
		lookupSem: semaphore.NewWeighted(cfg.LookupConcurrency),
		observers: cache.New[[]string](cache.Options{
			Name:     "observers",
			Capacity: cfg.ObserverCacheCapacity,
			TTL:      cfg.ObserverCacheTTL,
			Stats:    stats,
		}),
		logger: deps.Logger.With("component", "pipeline"),
	}, nil
}

// Enqueue validates b and places it on the queue. In block mode it waits
// for space until ctx ends; in reject mode a full queue returns ErrQueueFull.
func (p *Pipeline) Enqueue(ctx context.Context, b *evidence.Bundle) error {
	if err := b.Validate(); err != nil {
		p.deps.Metrics.Bundle("invalid")
		return err
	}
	b.Normalize(p.deps.Now())

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	switch p.cfg.Overflow {
	case OverflowReject:
		select {
		case p.queue <- b:
		default:
			p.rejected.Add(1)
			p.deps.Metrics.Bundle("rejected")
			p.logger.Warn("queue full, rejecting bundle", "bundle_id", b.ID, "subject_id", b.SubjectID)
			return ErrQueueFull
		}
	default:
		select {
		case p.queue <- b:
		case <-ctx.Done():
			p.rejected.Add(1)
			p.deps.Metrics.Bundle("rejected")
			return ctx.Err()
		case <-p.stopping:
			return ErrClosed
		}
	}

	p.enqueued.Add(1)
	p.deps.Metrics.Bundle("enqueued")
	p.deps.Metrics.SetQueueDepth(len(p.queue))
	p.logger.Debug("bundle queued", "bundle_id", b.ID, "subject_id", b.SubjectID, "items", len(b.Evidence))
	return nil
}

// Run starts the workers and blocks until ctx is cancelled. On the way out
// it lets in-flight bundles finish, stops accepting bundles, drains what is
// already queued, and waits for pending audit writes. In-flight and queued
// work each get at most DrainTimeout.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	p.logger.Info("pipeline starting",
		"workers", p.cfg.Workers,
		"queue_capacity", p.cfg.QueueCapacity,
		"overflow", p.cfg.Overflow,
		"eval_concurrency", p.cfg.EvalConcurrency,
		"lookup_concurrency", p.cfg.LookupConcurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.worker(gctx, id)
			return nil
		})
	}
	err := g.Wait()

	close(p.stopping)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.drain()
	p.audits.Wait()
	p.observers.Close()
	p.logger.Info("pipeline stopped", "processed", p.processed.Load())
	return err
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-p.queue:
			p.deps.Metrics.SetQueueDepth(len(p.queue))
			p.logger.Debug("bundle dequeued", "worker", id, "bundle_id", b.ID, "subject_id", b.SubjectID)
			bctx, done := p.inflight(ctx)
			p.process(bctx, b)
			done()
		}
	}
}

// inflight returns the context for a dequeued bundle. It is not cancelled
// with ctx; once ctx ends the bundle gets DrainTimeout to finish, so an
// upgrade already persisted can still acquire its permit and notify.
func (p *Pipeline) inflight(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(p.cfg.DrainTimeout, cancel)
		context.AfterFunc(bctx, func() { t.Stop() })
	})
	return bctx, func() {
		stop()
		cancel()
	}
}

// drain processes bundles left in the queue after the workers stopped.
func (p *Pipeline) drain() {
	n := len(p.queue)
	if n == 0 {
		return
	}
	p.logger.Info("draining queue", "remaining", n)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case b := <-p.queue:
			if ctx.Err() != nil {
				p.logger.Warn("drain timed out, bundle not processed", "bundle_id", b.ID, "subject_id", b.SubjectID)
				continue
			}
			p.process(ctx, b)
		default:
			return
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:   p.enqueued.Load(),
		Rejected:   p.rejected.Load(),
		Processed:  p.processed.Load(),
		Notified:   p.notified.Load(),
		Suppressed: p.suppressed.Load(),
		Failed:     p.failed.Load(),
		QueueDepth: len(p.queue),
	}
}
