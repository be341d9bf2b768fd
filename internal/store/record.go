// ABOUTME: Monotonic merge rule and persisted payload codec for ProcessingRecords
// ABOUTME: Every DecisionStore backend funnels writes through MergeRecord

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MergeRecord computes the record that should be stored when candidate is
// written over stored (nil if absent).
//
//   - no stored record: candidate is written as-is
//   - stored rejected, candidate accepted: upgrade, evidence merged
//   - stored accepted: status and decision time are kept; only evidence is merged
//   - both rejected: candidate refreshes the record, evidence merged
//
// written reports whether the candidate's status was applied. changed reports
// whether anything differs from stored at all; backends skip the physical
// write when it is false.
func MergeRecord(stored, candidate *ProcessingRecord) (merged *ProcessingRecord, written, changed bool) {
	if stored == nil {
		merged = candidate.Clone()
		normalizeEvidence(merged)
		return merged, true, true
	}

	if stored.Status == StatusAccepted {
		merged = stored.Clone()
		changed = mergeEvidence(merged, candidate)
		return merged, false, changed
	}

	merged = candidate.Clone()
	normalizeEvidence(merged)
	mergeEvidence(merged, stored)
	if stored.LastDecisionTime.After(merged.LastDecisionTime) {
		merged.LastDecisionTime = stored.LastDecisionTime
	}
	return merged, true, true
}

// mergeEvidence folds src's evidence into dst, keeping the newest timestamp
// per source. Returns true if dst changed.
func mergeEvidence(dst, src *ProcessingRecord) bool {
	if dst.EvidenceSeenAt == nil {
		dst.EvidenceSeenAt = make(map[string]time.Time)
	}
	changed := false
	for _, s := range src.EvidenceSeen {
		if !dst.Seen(s) {
			dst.EvidenceSeen = append(dst.EvidenceSeen, s)
			changed = true
		}
	}
	for s, at := range src.EvidenceSeenAt {
		if !dst.Seen(s) {
			dst.EvidenceSeen = append(dst.EvidenceSeen, s)
			changed = true
		}
		if cur, ok := dst.EvidenceSeenAt[s]; !ok || at.After(cur) {
			dst.EvidenceSeenAt[s] = at
			changed = true
		}
	}
	normalizeEvidence(dst)
	return changed
}

// normalizeEvidence sorts and dedupes EvidenceSeen and makes sure every
// timestamped source is listed.
func normalizeEvidence(r *ProcessingRecord) {
	if r.EvidenceSeenAt == nil {
		r.EvidenceSeenAt = make(map[string]time.Time)
	}
	set := make(map[string]struct{}, len(r.EvidenceSeen)+len(r.EvidenceSeenAt))
	for _, s := range r.EvidenceSeen {
		set[s] = struct{}{}
	}
	for s := range r.EvidenceSeenAt {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	r.EvidenceSeen = out
}

// recordPayload is the persisted JSON shape. Field names are part of the
// on-disk format and must not change.
type recordPayload struct {
	Status           Status               `json:"status"`
	Timestamp        time.Time            `json:"timestamp"`
	ChannelsChecked  []string             `json:"channels_checked"`
	ChannelsCalledAt map[string]time.Time `json:"channels_called_at"`
}

// EncodeRecord serializes the persisted part of a record.
func EncodeRecord(r *ProcessingRecord) ([]byte, error) {
	p := recordPayload{
		Status:           r.Status,
		Timestamp:        r.LastDecisionTime.UTC(),
		ChannelsChecked:  r.EvidenceSeen,
		ChannelsCalledAt: make(map[string]time.Time, len(r.EvidenceSeenAt)),
	}
	if p.ChannelsChecked == nil {
		p.ChannelsChecked = []string{}
	}
	for k, v := range r.EvidenceSeenAt {
		p.ChannelsCalledAt[k] = v.UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a persisted payload back into a record for the given key.
func DecodeRecord(subjectID, observerID string, data []byte) (*ProcessingRecord, error) {
	var p recordPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("unknown record status %q", p.Status)
	}
	r := &ProcessingRecord{
		SubjectID:        subjectID,
		ObserverID:       observerID,
		Status:           p.Status,
		LastDecisionTime: p.Timestamp,
		EvidenceSeen:     p.ChannelsChecked,
		EvidenceSeenAt:   p.ChannelsCalledAt,
	}
	normalizeEvidence(r)
	return r, nil
}
