// ABOUTME: Mock store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sync"
	"time"
)

type mockDecision struct {
	record    *ProcessingRecord
	expiresAt time.Time
}

// MockStore is an in-memory DecisionStore, TrackingStore and AuditStore.
// A single mutex makes every upsert atomic.
type MockStore struct {
	mu        sync.RWMutex
	decisions map[string]*mockDecision  // keyed by "subject:observer"
	tracking  map[string]*TrackingEntry // keyed by source_observer_map_key
	audit     []*AuditEntry
	ttl       TTLPolicy
	now       func() time.Time

	// ReadErr and WriteErr, when set, are returned by every decision
	// read/write to simulate an unreachable backend.
	ReadErr  error
	WriteErr error

	// Writes counts physical decision writes.
	Writes int
}

// NewMockStore creates a new MockStore.
func NewMockStore(opts ...Option) *MockStore {
	o := buildOptions(opts)
	return &MockStore{
		decisions: make(map[string]*mockDecision),
		tracking:  make(map[string]*TrackingEntry),
		ttl:       o.ttl,
		now:       o.now,
	}
}

// SetErrors sets the injected read/write errors under the store lock.
func (m *MockStore) SetErrors(readErr, writeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadErr = readErr
	m.WriteErr = writeErr
}

// GetDecision returns a copy of the live record.
func (m *MockStore) GetDecision(ctx context.Context, subjectID, observerID string) (*ProcessingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	d, ok := m.decisions[TrackingKey(subjectID, observerID)]
	if !ok || !m.now().Before(d.expiresAt) {
		return nil, ErrNotFound
	}
	rec := d.record.Clone()
	rec.ExpiresAt = d.expiresAt
	return rec, nil
}

// UpsertDecision applies MergeRecord under the store lock.
func (m *MockStore) UpsertDecision(ctx context.Context, candidate *ProcessingRecord) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return UpsertResult{}, m.WriteErr
	}

	key := TrackingKey(candidate.SubjectID, candidate.ObserverID)
	now := m.now()

	var stored *ProcessingRecord
	if d, ok := m.decisions[key]; ok && now.Before(d.expiresAt) {
		stored = d.record.Clone()
		stored.ExpiresAt = d.expiresAt
	}

	merged, written, changed := MergeRecord(stored, candidate)
	result := UpsertResult{Written: written}
	if stored != nil {
		result.Previous = stored.Status
	}
	if !changed {
		result.Stored = stored
		return result, nil
	}

	merged.ExpiresAt = now.Add(m.ttl.For(merged.Status))
	m.decisions[key] = &mockDecision{record: merged.Clone(), expiresAt: merged.ExpiresAt}
	m.Writes++
	result.Stored = merged
	return result, nil
}

// SaveTracking stores a copy of the entry, replacing any existing one.
func (m *MockStore) SaveTracking(ctx context.Context, entry *TrackingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	e := *entry
	m.tracking[e.MapKey()] = &e
	return nil
}

// GetTracking returns a copy of the entry.
func (m *MockStore) GetTracking(ctx context.Context, subjectID, observerID string) (*TrackingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tracking[TrackingKey(subjectID, observerID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *e
	return &result, nil
}

// UpdateNotifiedMultiple compares and sets last_notified_multiple.
func (m *MockStore) UpdateNotifiedMultiple(ctx context.Context, subjectID, observerID string, from, to int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tracking[TrackingKey(subjectID, observerID)]
	if !ok || e.LastNotifiedMultiple != from {
		return false, nil
	}
	e.LastNotifiedMultiple = to
	return true, nil
}

// ScanTracking visits copies of every entry. Map iteration order is random,
// which is what callers must tolerate anyway.
func (m *MockStore) ScanTracking(ctx context.Context, fn func(*TrackingEntry) error) error {
	m.mu.RLock()
	entries := make([]*TrackingEntry, 0, len(m.tracking))
	for _, e := range m.tracking {
		c := *e
		entries = append(entries, &c)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// AppendAudit records a copy of the entry.
func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.audit = append(m.audit, &c)
	return nil
}

// AuditEntries returns copies of all recorded audit entries.
func (m *MockStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		c := *e
		out = append(out, &c)
	}
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
