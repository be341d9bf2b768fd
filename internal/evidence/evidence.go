// ABOUTME: Evidence items and bundles received for a subject, plus input sanitation
// ABOUTME: Items are validated with go-playground/validator before evaluation

package evidence

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Item is one observation of a subject from a single source.
type Item struct {
	SourceID   string          `json:"source_id" validate:"required,max=256"`
	ObservedAt time.Time       `json:"observed_at" validate:"required"`
	Value      float64         `json:"value" validate:"finite"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Bundle is the unit of ingestion: everything currently known about one subject.
type Bundle struct {
	ID         string    `json:"id,omitempty"`
	SubjectID  string    `json:"subject_id" validate:"required,max=256"`
	Evidence   []Item    `json:"evidence"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("finite", validateFinite)
}

// validateFinite rejects NaN and infinities, which would poison comparisons.
func validateFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks the item's required fields.
func (it Item) Validate() error {
	return validate.Struct(it)
}

// Validate checks the bundle envelope. Individual items are not validated
// here; malformed items are dropped by Sanitize instead of failing the bundle.
func (b *Bundle) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid bundle: %w", err)
	}
	return nil
}

// Normalize assigns an id and receive time when missing.
func (b *Bundle) Normalize(now time.Time) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = now
	}
}

// Sanitize returns the valid items, ordered by source then observation time,
// and how many were dropped.
func Sanitize(items []Item) (valid []Item, dropped int) {
	valid = make([]Item, 0, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			dropped++
			continue
		}
		valid = append(valid, it)
	}
	sortItems(valid)
	return valid, dropped
}

// Within returns the items observed at or after horizon.
func Within(items []Item, horizon time.Time) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.ObservedAt.Before(horizon) {
			out = append(out, it)
		}
	}
	return out
}

// Latest maps each source to its newest observation time.
func Latest(items []Item) map[string]time.Time {
	out := make(map[string]time.Time, len(items))
	for _, it := range items {
		if cur, ok := out[it.SourceID]; !ok || it.ObservedAt.After(cur) {
			out[it.SourceID] = it.ObservedAt
		}
	}
	return out
}

// Sources returns the distinct source ids, sorted.
func Sources(items []Item) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.SourceID]; ok {
			continue
		}
		seen[it.SourceID] = struct{}{}
		out = append(out, it.SourceID)
	}
	sort.Strings(out)
	return out
}

// LatestValue returns the value of the most recent observation, false if empty.
func LatestValue(items []Item) (float64, bool) {
	if len(items) == 0 {
		return 0, false
	}
	best := items[0]
	for _, it := range items[1:] {
		if it.ObservedAt.After(best.ObservedAt) {
			best = it
		}
	}
	return best.Value, true
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SourceID != items[j].SourceID {
			return items[i].SourceID < items[j].SourceID
		}
		return items[i].ObservedAt.Before(items[j].ObservedAt)
	})
}
