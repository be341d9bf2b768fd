// ABOUTME: Value-multiple tracker notifying observers when a subject grows past baseline multiples
// ABOUTME: Persists progress with compare-and-set so each multiple is announced at most once

package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/2389/callwatch/internal/index"
	"github.com/2389/callwatch/internal/metrics"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/store"
)

// DefaultMinMultiple is the first multiple of baseline that is announced.
const DefaultMinMultiple = 2

// maxMultiple caps the reported multiple so the float to int conversion stays defined.
const maxMultiple = math.MaxInt32

// Limiter gates outbound notifications.
type Limiter interface {
	Acquire(ctx context.Context, observerID string, priority bool) error
}

// Config controls the tracker.
type Config struct {
	MinMultiple int
}

// Tracker watches tracked subjects for value growth.
type Tracker struct {
	store    store.TrackingStore
	index    *index.ReverseIndex
	limiter  Limiter
	notifier notify.Notifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a tracker.
func New(s store.TrackingStore, idx *index.ReverseIndex, limiter Limiter, notifier notify.Notifier, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if cfg.MinMultiple <= 0 {
		cfg.MinMultiple = DefaultMinMultiple
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    s,
		index:    idx,
		limiter:  limiter,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "tracking"),
	}
}

// Track persists entry and makes it visible to the reverse index. A
// re-track resets the baseline and progress.
func (t *Tracker) Track(ctx context.Context, entry *store.TrackingEntry) error {
	if entry.SubjectID == "" || entry.ObserverID == "" {
		return errors.New("tracking entry needs subject and observer")
	}
	if entry.BaselineValue <= 0 || math.IsNaN(entry.BaselineValue) || math.IsInf(entry.BaselineValue, 0) {
		return fmt.Errorf("baseline must be a positive number, got %v", entry.BaselineValue)
	}
	if err := t.store.SaveTracking(ctx, entry); err != nil {
		return fmt.Errorf("saving tracking entry: %w", err)
	}
	t.index.Add(entry.SubjectID, entry.ObserverID)
	t.logger.Debug("tracking", "subject_id", entry.SubjectID, "observer_id", entry.ObserverID, "baseline", entry.BaselineValue)
	return nil
}

// Observe checks currentValue against every observer tracking subjectID and
// notifies those whose multiple advanced. Returns how many were notified.
// Per-observer failures are logged and do not stop the others.
func (t *Tracker) Observe(ctx context.Context, subjectID string, currentValue float64) (int, error) {
	if math.IsNaN(currentValue) || math.IsInf(currentValue, 0) {
		return 0, nil
	}

	notified := 0
	var errs []error
	for _, observerID := range t.index.Lookup(subjectID) {
		ok, err := t.observeOne(ctx, subjectID, observerID, currentValue)
		if err != nil {
			t.logger.Warn("tracking check failed", "subject_id", subjectID, "observer_id", observerID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			notified++
		}
	}
	return notified, errors.Join(errs...)
}

func (t *Tracker) observeOne(ctx context.Context, subjectID, observerID string, current float64) (bool, error) {
	entry, err := t.store.GetTracking(ctx, subjectID, observerID)
	if errors.Is(err, store.ErrNotFound) {
		// index ahead of or behind the store; nothing to do this cycle
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.BaselineValue <= 0 {
		return false, nil
	}

	multiple := multipleOf(current, entry.BaselineValue)
	if multiple < t.cfg.MinMultiple || multiple <= entry.LastNotifiedMultiple {
		return false, nil
	}

	won, err := t.store.UpdateNotifiedMultiple(ctx, subjectID, observerID, entry.LastNotifiedMultiple, multiple)
	if err != nil {
		return false, fmt.Errorf("advancing multiple: %w", err)
	}
	if !won {
		return false, nil
	}

	if err := t.limiter.Acquire(ctx, observerID, false); err != nil {
		return false, fmt.Errorf("waiting for send permit: %w", err)
	}

	n := notify.New(notify.KindMultiple, observerID, subjectID)
	n.Multiple = multiple
	n.Value = current
	if err := t.notifier.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("notifying: %w", err)
	}
	t.metrics.Notified(string(notify.KindMultiple))
	t.logger.Info("value multiple reached", "subject_id", subjectID, "observer_id", observerID, "multiple", multiple)
	return true, nil
}

// multipleOf returns floor(current/baseline), clamped to [0, maxMultiple].
func multipleOf(current, baseline float64) int {
	ratio := math.Floor(current / baseline)
	switch {
	case math.IsNaN(ratio) || ratio <= 0:
		return 0
	case ratio >= maxMultiple:
		return maxMultiple
	}
	return int(ratio)
}
