package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/evidence"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func item(src string, ago time.Duration, v float64) evidence.Item {
	return evidence.Item{SourceID: src, ObservedAt: now.Add(-ago), Value: v}
}

func TestRules_Match(t *testing.T) {
	items := []evidence.Item{
		item("chanA", 10*time.Minute, 5),
		item("chanB", 2*time.Minute, 12),
	}

	tests := []struct {
		name  string
		rules Rules
		want  bool
	}{
		{"empty rules match anything", Rules{}, true},
		{"enough sources", Rules{MinSources: 2}, true},
		{"too few sources", Rules{MinSources: 3}, false},
		{"latest value above min", Rules{MinValue: 10}, true},
		{"latest value below min", Rules{MinValue: 20}, false},
		{"latest value above max", Rules{MaxValue: 11}, false},
		{"allow list narrows sources", Rules{Sources: []string{"chanA"}, MinSources: 2}, false},
		{"allow list uses its own latest value", Rules{Sources: []string{"chanA"}, MaxValue: 6}, true},
		{"max age drops stale items", Rules{MaxAge: 5 * time.Minute, MinSources: 2}, false},
		{"nothing survives", Rules{Sources: []string{"chanZ"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rules.Match(items, now))
		})
	}
}

func TestRules_Validate(t *testing.T) {
	assert.NoError(t, Rules{MinValue: 1, MaxValue: 2}.Validate())
	assert.NoError(t, Rules{MinValue: 5}.Validate())
	assert.Error(t, Rules{MinValue: 5, MaxValue: 2}.Validate())
	assert.Error(t, Rules{MinSources: -1}.Validate())
	assert.Error(t, Rules{Sources: []string{""}}.Validate())
}

func TestRegistry_Evaluate(t *testing.T) {
	reg := NewRegistry(map[string]Rules{
		"U1": {MinSources: 2},
		"U2": {MinSources: 1},
	})
	reg.now = func() time.Time { return now }
	ctx := context.Background()
	items := []evidence.Item{item("chanA", time.Minute, 1)}

	ok, err := reg.Evaluate(ctx, "U1", "T1", items)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.Evaluate(ctx, "U2", "T1", items)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = reg.Evaluate(ctx, "nobody", "T1", items)
	assert.ErrorIs(t, err, ErrUnknownObserver)
}

func TestRegistry_ListObservers(t *testing.T) {
	reg := NewRegistry(map[string]Rules{"U2": {}, "U1": {}})
	got, err := reg.ListObservers(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, got)
}

func TestRegistry_Replace(t *testing.T) {
	reg := NewRegistry(map[string]Rules{"U1": {}})

	err := reg.Replace(map[string]Rules{"U9": {MinValue: 3, MaxValue: 1}})
	require.Error(t, err)
	_, ok := reg.Rules("U1")
	assert.True(t, ok, "invalid replacement leaves the old set in place")

	require.NoError(t, reg.Replace(map[string]Rules{"U2": {MinSources: 1}}))
	_, ok = reg.Rules("U1")
	assert.False(t, ok)
	r, ok := reg.Rules("U2")
	require.True(t, ok)
	assert.Equal(t, 1, r.MinSources)
}

func TestRegistry_CancelledContext(t *testing.T) {
	reg := NewRegistry(map[string]Rules{"U1": {}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Evaluate(ctx, "U1", "T1", nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = reg.ListObservers(ctx, "T1")
	assert.ErrorIs(t, err, context.Canceled)
}
