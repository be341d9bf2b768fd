// ABOUTME: Store interfaces and data types for callwatch persistence
// ABOUTME: Defines ProcessingRecord, TrackingEntry and the Decision/Tracking store contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist or has expired
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic write lost too many races in a row
var ErrConflict = errors.New("write conflict")

// Status is the outcome of evaluating a subject for an observer.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Default retention for decision records.
const (
	DefaultAcceptedTTL = 14 * 24 * time.Hour
	DefaultRejectedTTL = time.Hour
)

// ProcessingRecord is the remembered decision for one (subject, observer) pair.
type ProcessingRecord struct {
	SubjectID        string
	ObserverID       string
	Status           Status
	LastDecisionTime time.Time
	EvidenceSeen     []string             // source ids, sorted, no duplicates
	EvidenceSeenAt   map[string]time.Time // source id -> newest incorporated observation

	// ExpiresAt is filled in by the backend on read. It is store metadata,
	// never part of the persisted payload.
	ExpiresAt time.Time
}

// Clone returns a deep copy so callers can't mutate cached or stored state.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.EvidenceSeen = append([]string(nil), r.EvidenceSeen...)
	out.EvidenceSeenAt = make(map[string]time.Time, len(r.EvidenceSeenAt))
	for k, v := range r.EvidenceSeenAt {
		out.EvidenceSeenAt[k] = v
	}
	return &out
}

// Seen reports whether the source has already been incorporated.
func (r *ProcessingRecord) Seen(sourceID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.EvidenceSeenAt[sourceID]
	if ok {
		return true
	}
	for _, s := range r.EvidenceSeen {
		if s == sourceID {
			return true
		}
	}
	return false
}

// TTLPolicy maps a status to its retention period.
type TTLPolicy struct {
	Accepted time.Duration
	Rejected time.Duration
}

// DefaultTTLPolicy returns 14 days for accepted and 1 hour for rejected records.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Accepted: DefaultAcceptedTTL, Rejected: DefaultRejectedTTL}
}

// For returns the retention for the given status.
func (p TTLPolicy) For(s Status) time.Duration {
	if s == StatusAccepted {
		if p.Accepted <= 0 {
			return DefaultAcceptedTTL
		}
		return p.Accepted
	}
	if p.Rejected <= 0 {
		return DefaultRejectedTTL
	}
	return p.Rejected
}

// UpsertResult describes what an Upsert did.
type UpsertResult struct {
	// Written is true when the candidate's status was applied (first write,
	// upgrade, or rejected refresh). An evidence-only merge into an accepted
	// record reports false.
	Written bool
	// Previous is the status stored before the write, empty if there was none.
	Previous Status
	// Stored is the record as it now exists in the store.
	Stored *ProcessingRecord
}

// Upgraded reports whether this write moved the pair into Accepted.
func (u UpsertResult) Upgraded() bool {
	return u.Written && u.Stored != nil && u.Stored.Status == StatusAccepted && u.Previous != StatusAccepted
}

// DecisionStore persists ProcessingRecords with status-dependent expiry.
// Upsert must apply MergeRecord atomically per key.
type DecisionStore interface {
	GetDecision(ctx context.Context, subjectID, observerID string) (*ProcessingRecord, error)
	UpsertDecision(ctx context.Context, candidate *ProcessingRecord) (UpsertResult, error)
	Close() error
}

// TrackingEntry records an observer's interest in future value changes of a subject.
type TrackingEntry struct {
	SubjectID            string
	ObserverID           string
	BaselineValue        float64
	LastNotifiedMultiple int
	CreatedAt            time.Time
}

// MapKey is the persisted source_observer_map_key.
func (e *TrackingEntry) MapKey() string {
	return TrackingKey(e.SubjectID, e.ObserverID)
}

// TrackingKey composes the persisted key for a (subject, observer) pair.
func TrackingKey(subjectID, observerID string) string {
	return subjectID + ":" + observerID
}

// TrackingStore persists tracking entries. ScanTracking visits every entry
// in unspecified order; returning an error from fn stops the scan.
type TrackingStore interface {
	SaveTracking(ctx context.Context, entry *TrackingEntry) error
	GetTracking(ctx context.Context, subjectID, observerID string) (*TrackingEntry, error)
	UpdateNotifiedMultiple(ctx context.Context, subjectID, observerID string, from, to int) (bool, error)
	ScanTracking(ctx context.Context, fn func(*TrackingEntry) error) error
}

// AuditEntry is a decision audit record written off the critical path.
type AuditEntry struct {
	ID         string
	SubjectID  string
	ObserverID string
	Status     Status
	Written    bool
	Notified   bool
	NewSources []string
	Timestamp  time.Time
}

// AuditStore appends decision audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
}
