// ABOUTME: Incremental differ that isolates evidence not yet considered for a decision
// ABOUTME: Prevents re-evaluation loops from stale duplicate observations

package evidence

import (
	"time"

	"github.com/2389/callwatch/internal/store"
)

// Diff returns the items in current that were not incorporated into record.
//
// With no record every item at or after horizon is new. With a record an
// item is new when its source was never seen, or it is strictly newer than
// the stored observation for that source; it must also be at or after
// horizon and strictly after the record's last decision.
//
// The result is sorted by source id, then observation time.
func Diff(current []Item, record *store.ProcessingRecord, horizon time.Time) []Item {
	out := make([]Item, 0, len(current))
	for _, it := range current {
		if it.ObservedAt.Before(horizon) {
			continue
		}
		if record != nil && !isNew(it, record) {
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out
}

func isNew(it Item, record *store.ProcessingRecord) bool {
	if !it.ObservedAt.After(record.LastDecisionTime) {
		return false
	}
	seenAt, ok := record.EvidenceSeenAt[it.SourceID]
	if !ok {
		// sources listed without a timestamp count as seen at the decision time,
		// which the check above already passed
		return true
	}
	return it.ObservedAt.After(seenAt)
}
