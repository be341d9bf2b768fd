// ABOUTME: Config-defined observer filters deciding whether evidence is interesting
// ABOUTME: Registry serves as both the pipeline predicate and the full observer list

package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/callwatch/internal/evidence"
)

// ErrUnknownObserver is returned when evaluating for an observer with no rules.
var ErrUnknownObserver = errors.New("unknown observer")

// Rules is one observer's filter. Zero values disable a bound.
type Rules struct {
	// MinSources is the number of distinct sources required.
	MinSources int `yaml:"min_sources" toml:"min_sources" validate:"gte=0"`
	// MinValue and MaxValue bound the most recent observed value.
	MinValue float64 `yaml:"min_value" toml:"min_value"`
	MaxValue float64 `yaml:"max_value" toml:"max_value" validate:"omitempty,gtefield=MinValue"`
	// Sources, when set, restricts which sources count.
	Sources []string `yaml:"sources" toml:"sources" validate:"dive,required"`
	// MaxAge ignores evidence older than this relative to evaluation time.
	MaxAge time.Duration `yaml:"-" toml:"-" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the rules are self-consistent.
func (r Rules) Validate() error {
	return validate.Struct(r)
}

// Match reports whether items satisfy the rules at time now.
func (r Rules) Match(items []evidence.Item, now time.Time) bool {
	var allowed map[string]struct{}
	if len(r.Sources) > 0 {
		allowed = make(map[string]struct{}, len(r.Sources))
		for _, s := range r.Sources {
			allowed[s] = struct{}{}
		}
	}

	kept := make([]evidence.Item, 0, len(items))
	for _, it := range items {
		if allowed != nil {
			if _, ok := allowed[it.SourceID]; !ok {
				continue
			}
		}
		if r.MaxAge > 0 && now.Sub(it.ObservedAt) > r.MaxAge {
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) == 0 {
		return false
	}

	if len(evidence.Sources(kept)) < r.MinSources {
		return false
	}

	v, _ := evidence.LatestValue(kept)
	if r.MinValue != 0 && v < r.MinValue {
		return false
	}
	if r.MaxValue != 0 && v > r.MaxValue {
		return false
	}
	return true
}

// Registry maps observer ids to rules. Safe for concurrent use; Replace
// swaps the whole set atomically for config reloads.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rules
	now   func() time.Time
}

// NewRegistry creates a registry from the given rules.
func NewRegistry(rules map[string]Rules) *Registry {
	r := &Registry{now: time.Now}
	r.rules = copyRules(rules)
	return r
}

func copyRules(in map[string]Rules) map[string]Rules {
	out := make(map[string]Rules, len(in))
	for id, rules := range in {
		out[id] = rules
	}
	return out
}

// Replace swaps in a new rule set after validating every entry.
func (r *Registry) Replace(rules map[string]Rules) error {
	for id, rr := range rules {
		if err := rr.Validate(); err != nil {
			return fmt.Errorf("observer %s: %w", id, err)
		}
	}
	fresh := copyRules(rules)
	r.mu.Lock()
	r.rules = fresh
	r.mu.Unlock()
	return nil
}

// Rules returns the rules for one observer.
func (r *Registry) Rules(observerID string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.rules[observerID]
	return rules, ok
}

// Evaluate implements the pipeline predicate.
func (r *Registry) Evaluate(ctx context.Context, observerID, subjectID string, items []evidence.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rules, ok := r.Rules(observerID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownObserver, observerID)
	}
	return rules.Match(items, r.now()), nil
}

// ListObservers returns every configured observer. Config-defined filters
// apply to all subjects, so subjectID is unused.
func (r *Registry) ListObservers(ctx context.Context, subjectID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.rules))
	for id := range r.rules {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}
