// ABOUTME: Decision service layering the LRU cache and fallback over a DecisionStore
// ABOUTME: Bounds every store call with a timeout and degrades instead of blocking workers

package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/callwatch/internal/cache"
	"github.com/2389/callwatch/internal/metrics"
	"github.com/2389/callwatch/internal/store"
)

// DefaultStoreTimeout bounds a single decision store call.
const DefaultStoreTimeout = 3 * time.Second

// Config controls caching and timeouts.
type Config struct {
	StoreTimeout  time.Duration
	CacheCapacity int
	CacheTTL      time.Duration
	SweepInterval time.Duration
	FallbackSize  int
	FallbackTTL   time.Duration
	TTL           store.TTLPolicy
}

// LookupResult is a prior decision, if any. Degraded is set when the store
// could not be reached and the answer came from the fallback or is a guess.
type LookupResult struct {
	Record   *store.ProcessingRecord
	Degraded bool
}

// Result reports the outcome of Record.
type Result struct {
	Written  bool
	Upgraded bool
	Stored   *store.ProcessingRecord
}

// Service is the pipeline's view of decision state.
type Service struct {
	store    store.DecisionStore
	cache    *cache.Cache[*store.ProcessingRecord]
	fallback *cache.Fallback[*store.ProcessingRecord]
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires a decision store behind a cache and a fallback.
func NewService(s store.DecisionStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 5000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	var stats cache.StatsObserver
	if m != nil {
		stats = m
	}
	return &Service{
		store: s,
		cache: cache.New[*store.ProcessingRecord](cache.Options{
			Name:          "decisions",
			Capacity:      cfg.CacheCapacity,
			TTL:           cfg.CacheTTL,
			SweepInterval: cfg.SweepInterval,
			Stats:         stats,
		}),
		fallback: cache.NewFallback[*store.ProcessingRecord](cfg.FallbackSize, cfg.FallbackTTL),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "decision"),
	}
}

func key(subjectID, observerID string) string {
	return subjectID + "\x00" + observerID
}

// Lookup returns the prior decision for the pair. A missing or expired
// record is not an error. When the store fails the fallback is consulted
// and the result is marked degraded; the error is only logged.
func (s *Service) Lookup(ctx context.Context, subjectID, observerID string) LookupResult {
	k := key(subjectID, observerID)
	if rec, ok := s.cache.Get(k); ok {
		return LookupResult{Record: rec.Clone()}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	rec, err := s.store.GetDecision(ctx, subjectID, observerID)
	switch {
	case err == nil:
		s.cacheRecord(k, rec)
		s.fallback.Forget(k)
		return LookupResult{Record: rec.Clone()}
	case errors.Is(err, store.ErrNotFound):
		return LookupResult{}
	}

	s.metrics.StoreFallback("get")
	if rec, ok := s.fallback.Lookup(k); ok {
		s.logger.Warn("decision store unavailable, using fallback",
			"subject_id", subjectID, "observer_id", observerID, "error", err)
		return LookupResult{Record: rec.Clone(), Degraded: true}
	}
	s.logger.Warn("decision store unavailable, treating as first evaluation",
		"subject_id", subjectID, "observer_id", observerID, "error", err)
	return LookupResult{Degraded: true}
}

// Record writes candidate through the store's monotonic upsert. On failure
// the candidate is remembered in the fallback so the next cycle can see it,
// and the error is returned; the caller retries on the next event.
func (s *Service) Record(ctx context.Context, candidate *store.ProcessingRecord) (Result, error) {
	k := key(candidate.SubjectID, candidate.ObserverID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	res, err := s.store.UpsertDecision(ctx, candidate)
	if err != nil {
		s.metrics.StoreFallback("upsert")
		s.cache.Delete(k)
		s.rememberFallback(k, candidate)
		return Result{}, fmt.Errorf("recording decision for %s/%s: %w", candidate.SubjectID, candidate.ObserverID, err)
	}

	s.cacheRecord(k, res.Stored)
	s.fallback.Forget(k)
	return Result{Written: res.Written, Upgraded: res.Upgraded(), Stored: res.Stored.Clone()}, nil
}

// rememberFallback keeps the strongest known decision for the pair so a
// fallback never hides an acceptance it already saw.
func (s *Service) rememberFallback(k string, candidate *store.ProcessingRecord) {
	prev, _ := s.fallback.Lookup(k)
	merged, _, _ := store.MergeRecord(prev, candidate)
	if !s.fallback.Put(k, merged) {
		s.logger.Warn("decision fallback full, dropping", "subject_id", candidate.SubjectID, "observer_id", candidate.ObserverID)
	}
}

// cacheRecord stores rec with a TTL no longer than its own retention, so a
// rejected record never outlives its store expiry in the cache.
func (s *Service) cacheRecord(k string, rec *store.ProcessingRecord) {
	if rec == nil {
		return
	}
	ttl := s.cfg.CacheTTL
	if rec.Status != store.StatusAccepted {
		if r := s.cfg.TTL.For(rec.Status); r < ttl {
			ttl = r
		}
	}
	if !rec.ExpiresAt.IsZero() {
		if remaining := time.Until(rec.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	s.cache.Set(k, rec.Clone(), ttl)
}

// Invalidate drops the cached record for the pair.
func (s *Service) Invalidate(subjectID, observerID string) {
	s.cache.Delete(key(subjectID, observerID))
}

// Close stops background cache maintenance. The store is owned by the caller.
func (s *Service) Close() {
	s.cache.Close()
}
