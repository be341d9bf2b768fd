// ABOUTME: Two-tier outbound rate governor gating notification delivery
// ABOUTME: Per-observer token buckets in front of one global bucket, via x/time/rate

package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/callwatch/internal/cache"
	"github.com/2389/callwatch/internal/metrics"
)

// Tier labels for wait metrics.
const (
	TierObserver = "observer"
	TierGlobal   = "global"
)

// Config sets permit rates in permits per second.
type Config struct {
	PerObserverRate  float64
	PerObserverBurst int
	GlobalRate       float64
	GlobalBurst      int
	// IdleTTL is how long an unused per-observer limiter is kept.
	IdleTTL time.Duration
	// MaxObservers bounds the number of live per-observer limiters.
	MaxObservers int
}

// DefaultConfig returns 1/s per observer and 30/s globally, each with a
// burst of one so no sliding one-second window exceeds the rate.
func DefaultConfig() Config {
	return Config{
		PerObserverRate:  1,
		PerObserverBurst: 1,
		GlobalRate:       30,
		GlobalBurst:      1,
		IdleTTL:          10 * time.Minute,
		MaxObservers:     1000,
	}
}

// Governor limits how fast accepted decisions become outbound messages.
type Governor struct {
	cfg       Config
	global    *rate.Limiter
	observers *cache.Cache[*rate.Limiter]
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a governor. Zero config fields take the defaults.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Governor {
	def := DefaultConfig()
	if cfg.PerObserverRate <= 0 {
		cfg.PerObserverRate = def.PerObserverRate
	}
	if cfg.PerObserverBurst <= 0 {
		cfg.PerObserverBurst = def.PerObserverBurst
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = def.GlobalRate
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = def.GlobalBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.MaxObservers <= 0 {
		cfg.MaxObservers = def.MaxObservers
	}
	if logger == nil {
		logger = slog.Default()
	}

	// An evicted limiter is recreated full. With IdleTTL well above
	// burst/rate it would have refilled completely anyway.
	var stats cache.StatsObserver
	if m != nil {
		stats = m
	}
	return &Governor{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		observers: cache.New[*rate.Limiter](cache.Options{
			Name:     "limiters",
			Capacity: cfg.MaxObservers,
			TTL:      cfg.IdleTTL,
			Stats:    stats,
		}),
		metrics: m,
		logger:  logger.With("component", "governor"),
	}
}

// Acquire blocks until observerID may send one message or ctx ends.
// Priority sends skip the per-observer tier but always consume a global permit.
func (g *Governor) Acquire(ctx context.Context, observerID string, priority bool) error {
	if !priority {
		lim := g.observers.GetOrSet(observerID, func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(g.cfg.PerObserverRate), g.cfg.PerObserverBurst)
		})
		if err := g.wait(ctx, lim, TierObserver); err != nil {
			return fmt.Errorf("observer %s: %w", observerID, err)
		}
	}

	if err := g.wait(ctx, g.global, TierGlobal); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	return nil
}

func (g *Governor) wait(ctx context.Context, lim *rate.Limiter, tier string) error {
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(start)
	g.metrics.ObserveGovernorWait(tier, waited)
	if waited > time.Second {
		g.logger.Debug("outbound permit delayed", "tier", tier, "waited", waited)
	}
	return nil
}

// Observers returns the number of live per-observer limiters.
func (g *Governor) Observers() int {
	return g.observers.Len()
}

// Close releases the limiter cache.
func (g *Governor) Close() {
	g.observers.Close()
}
