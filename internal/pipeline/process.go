// ABOUTME: Per-bundle processing: observer enumeration, incremental diff, predicate, decision, notify
// ABOUTME: One observer's failure or panic never affects the others or the worker

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/callwatch/internal/evidence"
	"github.com/2389/callwatch/internal/metrics"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/store"
)

// errNotificationLost marks a failure after the acceptance was persisted.
// Notification is at-most-once, so the pair is not retried.
var errNotificationLost = errors.New("notification lost")

// process fans one bundle out to every interested observer.
func (p *Pipeline) process(ctx context.Context, b *evidence.Bundle) {
	defer p.processed.Add(1)

	valid, dropped := evidence.Sanitize(b.Evidence)
	if dropped > 0 {
		p.deps.Metrics.EvidenceDropped(dropped)
		p.logger.Warn("dropped malformed evidence", "bundle_id", b.ID, "subject_id", b.SubjectID, "dropped", dropped)
	}

	if p.deps.Tracker != nil {
		if v, ok := evidence.LatestValue(valid); ok {
			if _, err := p.deps.Tracker.Observe(ctx, b.SubjectID, v); err != nil {
				p.logger.Warn("tracker observe failed", "subject_id", b.SubjectID, "error", err)
			}
		}
	}

	horizon := p.horizon()
	if len(evidence.Within(valid, horizon)) == 0 {
		p.logger.Debug("no evidence inside lookback horizon", "bundle_id", b.ID, "subject_id", b.SubjectID)
		return
	}

	observers, err := p.observersFor(ctx, b.SubjectID)
	if err != nil {
		p.failed.Add(1)
		p.deps.Metrics.EvaluationFailed("observer_lookup")
		p.logger.Warn("observer enumeration failed, will retry on next event", "subject_id", b.SubjectID, "error", err)
		return
	}

	var g errgroup.Group
	for _, observerID := range observers {
		g.Go(func() error {
			if err := p.evalSem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer p.evalSem.Release(1)
			p.evaluateSafe(ctx, b, observerID, valid, horizon)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) horizon() time.Time {
	if p.cfg.Lookback <= 0 {
		return time.Time{}
	}
	return p.deps.Now().Add(-p.cfg.Lookback)
}

// observersFor returns the observers to evaluate for subjectID: the reverse
// index when anyone tracks it, otherwise the external full list, which is
// cached, coalesced across workers and bounded by the lookup semaphore.
func (p *Pipeline) observersFor(ctx context.Context, subjectID string) ([]string, error) {
	if tracked := p.deps.Index.Lookup(subjectID); len(tracked) > 0 {
		return tracked, nil
	}
	if p.deps.Observers == nil {
		return nil, nil
	}
	if cached, ok := p.observers.Get(subjectID); ok {
		return cached, nil
	}

	v, err, _ := p.lookups.Do(subjectID, func() (any, error) {
		// a flight that finished between our cache miss and Do already filled it
		if cached, ok := p.observers.Get(subjectID); ok {
			return cached, nil
		}
		if err := p.lookupSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.lookupSem.Release(1)

		lctx, cancel := context.WithTimeout(ctx, p.cfg.LookupTimeout)
		defer cancel()
		list, err := p.deps.Observers.ListObservers(lctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("listing observers: %w", err)
		}
		p.observers.Set(subjectID, list, 0)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// evaluateSafe runs one observer's evaluation and contains any panic.
func (p *Pipeline) evaluateSafe(ctx context.Context, b *evidence.Bundle, observerID string, valid []evidence.Item, horizon time.Time) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.deps.Metrics.EvaluationFailed("panic")
			p.deps.Metrics.Decision(metrics.OutcomeFailed)
			p.logger.Error("observer evaluation panicked",
				"subject_id", b.SubjectID,
				"observer_id", observerID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	outcome, err := p.evaluate(ctx, b, observerID, valid, horizon)
	p.deps.Metrics.ObserveEvaluation(time.Since(start))
	p.deps.Metrics.Decision(outcome)

	switch outcome {
	case metrics.OutcomeFailed:
		p.failed.Add(1)
		if errors.Is(err, errNotificationLost) {
			p.deps.Metrics.EvaluationFailed("notify")
			p.logger.Error("accepted decision persisted but notification not delivered",
				"subject_id", b.SubjectID, "observer_id", observerID, "error", err)
			return
		}
		p.deps.Metrics.EvaluationFailed("error")
		p.logger.Warn("observer evaluation failed, will retry on next event",
			"subject_id", b.SubjectID, "observer_id", observerID, "error", err)
	case metrics.OutcomeNotified:
		p.notified.Add(1)
	default:
		p.suppressed.Add(1)
	}
}

// evaluate moves one (subject, observer) pair through
// evaluating -> decided -> notified | suppressed.
func (p *Pipeline) evaluate(ctx context.Context, b *evidence.Bundle, observerID string, valid []evidence.Item, horizon time.Time) (string, error) {
	log := p.logger.With("bundle_id", b.ID, "subject_id", b.SubjectID, "observer_id", observerID)

	prior := p.deps.Decisions.Lookup(ctx, b.SubjectID, observerID)
	delta := evidence.Diff(valid, prior.Record, horizon)
	if prior.Record != nil && len(delta) == 0 {
		log.Debug("suppressed", "reason", "no new evidence")
		return metrics.OutcomeSuppressed, nil
	}

	considered := evidence.Within(valid, horizon)
	candidate := &store.ProcessingRecord{
		SubjectID:        b.SubjectID,
		ObserverID:       observerID,
		LastDecisionTime: p.deps.Now().UTC(),
		EvidenceSeen:     evidence.Sources(considered),
		EvidenceSeenAt:   evidence.Latest(considered),
	}

	if prior.Record != nil && prior.Record.Status == store.StatusAccepted {
		// Accepted never regresses, so only the evidence needs recording.
		candidate.Status = store.StatusAccepted
		res, err := p.deps.Decisions.Record(ctx, candidate)
		if err != nil {
			return metrics.OutcomeFailed, err
		}
		if !res.Upgraded {
			log.Debug("suppressed", "reason", "already accepted", "new_items", len(delta))
			return metrics.OutcomeSuppressed, nil
		}
		// the prior acceptance only lived in the fallback; this write is the real upgrade
		log.Info("fallback acceptance persisted", "degraded", prior.Degraded)
		return p.announce(ctx, log, b, candidate, considered, delta)
	}

	items := considered
	if p.cfg.Reevaluate == ReevaluateDelta && prior.Record != nil {
		items = delta
	}

	log.Debug("evaluating", "items", len(items), "new_items", len(delta), "degraded", prior.Degraded)
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PredicateTimeout)
	accepted, err := p.deps.Predicate.Evaluate(pctx, observerID, b.SubjectID, items)
	cancel()
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("predicate: %w", err)
	}

	candidate.Status = store.StatusRejected
	if accepted {
		candidate.Status = store.StatusAccepted
	}

	res, err := p.deps.Decisions.Record(ctx, candidate)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	log.Debug("decided", "status", res.Stored.Status, "written", res.Written, "upgraded", res.Upgraded)

	if !res.Upgraded {
		p.audit(candidate, res.Written, false, delta)
		if candidate.Status == store.StatusRejected {
			log.Debug("suppressed", "reason", "rejected")
			return metrics.OutcomeRejected, nil
		}
		log.Debug("suppressed", "reason", "lost upgrade race")
		return metrics.OutcomeSuppressed, nil
	}

	return p.announce(ctx, log, b, candidate, considered, delta)
}

// announce runs the leg after an upgrade has been persisted: send permit,
// notification, audit and optional tracking. The decision is already
// stored, so a failure here is reported as a lost notification.
func (p *Pipeline) announce(ctx context.Context, log *slog.Logger, b *evidence.Bundle, candidate *store.ProcessingRecord, considered, delta []evidence.Item) (string, error) {
	notified, err := p.notify(ctx, b.SubjectID, candidate.ObserverID, considered)
	p.audit(candidate, true, notified, delta)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("%w: %w", errNotificationLost, err)
	}

	if p.cfg.TrackOnAccept && p.deps.Tracker != nil {
		if v, ok := evidence.LatestValue(considered); ok && v > 0 {
			entry := &store.TrackingEntry{SubjectID: b.SubjectID, ObserverID: candidate.ObserverID, BaselineValue: v}
			if err := p.deps.Tracker.Track(ctx, entry); err != nil {
				log.Warn("could not start tracking", "error", err)
			}
		}
	}

	log.Debug("notified")
	return metrics.OutcomeNotified, nil
}

func (p *Pipeline) notify(ctx context.Context, subjectID, observerID string, items []evidence.Item) (bool, error) {
	if err := p.deps.Governor.Acquire(ctx, observerID, false); err != nil {
		return false, fmt.Errorf("waiting for send permit: %w", err)
	}
	n := notify.New(notify.KindAccepted, observerID, subjectID)
	n.Evidence = items
	if v, ok := evidence.LatestValue(items); ok {
		n.Value = v
	}
	if err := p.deps.Notifier.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("delivering notification: %w", err)
	}
	p.deps.Metrics.Notified(string(notify.KindAccepted))
	return true, nil
}

// audit writes a decision audit entry in the background. Failures are logged only.
func (p *Pipeline) audit(rec *store.ProcessingRecord, written, notified bool, delta []evidence.Item) {
	if p.deps.Audit == nil {
		return
	}
	entry := &store.AuditEntry{
		SubjectID:  rec.SubjectID,
		ObserverID: rec.ObserverID,
		Status:     rec.Status,
		Written:    written,
		Notified:   notified,
		NewSources: evidence.Sources(delta),
		Timestamp:  p.deps.Now().UTC(),
	}

	p.audits.Add(1)
	go func() {
		defer p.audits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AuditTimeout)
		defer cancel()
		if err := p.deps.Audit.AppendAudit(ctx, entry); err != nil {
			p.logger.Warn("audit write failed", "subject_id", entry.SubjectID, "observer_id", entry.ObserverID, "error", err)
		}
	}()
}
