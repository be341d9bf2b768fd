// ABOUTME: Tests for the monotonic merge rule and the persisted payload codec
// ABOUTME: Covers every stored/candidate status combination and format stability

package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func rec(status Status, at time.Time, seen map[string]time.Time) *ProcessingRecord {
	return &ProcessingRecord{
		SubjectID:        "T1",
		ObserverID:       "U1",
		Status:           status,
		LastDecisionTime: at,
		EvidenceSeenAt:   seen,
	}
}

func TestMergeRecord_NoStored(t *testing.T) {
	cand := rec(StatusRejected, t0, map[string]time.Time{"b": t0, "a": t0})

	merged, written, changed := MergeRecord(nil, cand)

	assert.True(t, written)
	assert.True(t, changed)
	assert.Equal(t, StatusRejected, merged.Status)
	assert.Equal(t, []string{"a", "b"}, merged.EvidenceSeen)
}

func TestMergeRecord_UpgradeRejectedToAccepted(t *testing.T) {
	stored := rec(StatusRejected, t0, map[string]time.Time{"a": t0})
	cand := rec(StatusAccepted, t0.Add(time.Minute), map[string]time.Time{"b": t0.Add(time.Minute)})

	merged, written, changed := MergeRecord(stored, cand)

	assert.True(t, written)
	assert.True(t, changed)
	assert.Equal(t, StatusAccepted, merged.Status)
	assert.Equal(t, []string{"a", "b"}, merged.EvidenceSeen)
	assert.Equal(t, t0.Add(time.Minute), merged.LastDecisionTime)
}

func TestMergeRecord_AcceptedNeverRegresses(t *testing.T) {
	stored := rec(StatusAccepted, t0, map[string]time.Time{"a": t0})
	cand := rec(StatusRejected, t0.Add(time.Hour), map[string]time.Time{"a": t0.Add(time.Hour), "c": t0})

	merged, written, changed := MergeRecord(stored, cand)

	assert.False(t, written, "status must not be applied over accepted")
	assert.True(t, changed, "evidence still merges")
	assert.Equal(t, StatusAccepted, merged.Status)
	assert.Equal(t, t0, merged.LastDecisionTime)
	assert.Equal(t, t0.Add(time.Hour), merged.EvidenceSeenAt["a"])
	assert.Equal(t, []string{"a", "c"}, merged.EvidenceSeen)
}

func TestMergeRecord_AcceptedNoNewEvidence(t *testing.T) {
	stored := rec(StatusAccepted, t0, map[string]time.Time{"a": t0})
	cand := rec(StatusAccepted, t0.Add(time.Hour), map[string]time.Time{"a": t0})

	_, written, changed := MergeRecord(stored, cand)

	assert.False(t, written)
	assert.False(t, changed)
}

func TestMergeRecord_RejectedRefresh(t *testing.T) {
	stored := rec(StatusRejected, t0.Add(time.Minute), map[string]time.Time{"a": t0.Add(time.Minute)})
	cand := rec(StatusRejected, t0, map[string]time.Time{"a": t0, "b": t0})

	merged, written, _ := MergeRecord(stored, cand)

	assert.True(t, written)
	assert.Equal(t, StatusRejected, merged.Status)
	// newest timestamp per source wins, decision time never moves backwards
	assert.Equal(t, t0.Add(time.Minute), merged.EvidenceSeenAt["a"])
	assert.Equal(t, t0.Add(time.Minute), merged.LastDecisionTime)
	assert.Equal(t, []string{"a", "b"}, merged.EvidenceSeen)
}

func TestMergeRecord_DoesNotAliasInputs(t *testing.T) {
	stored := rec(StatusRejected, t0, map[string]time.Time{"a": t0})
	cand := rec(StatusAccepted, t0, map[string]time.Time{"b": t0})

	merged, _, _ := MergeRecord(stored, cand)
	merged.EvidenceSeenAt["z"] = t0

	_, ok := cand.EvidenceSeenAt["z"]
	assert.False(t, ok)
	_, ok = stored.EvidenceSeenAt["z"]
	assert.False(t, ok)
}

func TestEncodeRecord_PayloadFormat(t *testing.T) {
	r := rec(StatusRejected, t0, map[string]time.Time{"chanA": t0})
	normalizeEvidence(r)

	data, err := EncodeRecord(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "rejected", raw["status"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["timestamp"])
	assert.Equal(t, []any{"chanA"}, raw["channels_checked"])
	assert.Equal(t, map[string]any{"chanA": "2026-01-02T03:04:05Z"}, raw["channels_called_at"])
	assert.NotContains(t, raw, "expires_at")
}

func TestDecodeRecord_RoundTrip(t *testing.T) {
	r := rec(StatusAccepted, t0, map[string]time.Time{"chanA": t0, "chanB": t0.Add(time.Second)})
	normalizeEvidence(r)

	data, err := EncodeRecord(r)
	require.NoError(t, err)

	got, err := DecodeRecord("T1", "U1", data)
	require.NoError(t, err)
	assert.Equal(t, r.Status, got.Status)
	assert.True(t, r.LastDecisionTime.Equal(got.LastDecisionTime))
	assert.Equal(t, r.EvidenceSeen, got.EvidenceSeen)
	assert.True(t, got.EvidenceSeenAt["chanB"].Equal(t0.Add(time.Second)))
}

func TestDecodeRecord_BadStatus(t *testing.T) {
	_, err := DecodeRecord("T1", "U1", []byte(`{"status":"maybe"}`))
	assert.Error(t, err)
}

func TestTTLPolicy_For(t *testing.T) {
	p := DefaultTTLPolicy()
	assert.Equal(t, 14*24*time.Hour, p.For(StatusAccepted))
	assert.Equal(t, time.Hour, p.For(StatusRejected))

	var zero TTLPolicy
	assert.Equal(t, DefaultAcceptedTTL, zero.For(StatusAccepted))
	assert.Equal(t, DefaultRejectedTTL, zero.For(StatusRejected))
}

func TestUpsertResult_Upgraded(t *testing.T) {
	accepted := &ProcessingRecord{Status: StatusAccepted}
	rejected := &ProcessingRecord{Status: StatusRejected}

	assert.True(t, UpsertResult{Written: true, Stored: accepted}.Upgraded())
	assert.True(t, UpsertResult{Written: true, Previous: StatusRejected, Stored: accepted}.Upgraded())
	assert.False(t, UpsertResult{Written: false, Previous: StatusAccepted, Stored: accepted}.Upgraded())
	assert.False(t, UpsertResult{Written: true, Stored: rejected}.Upgraded())
}
