package tracking

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/index"
	"github.com/2389/callwatch/internal/notify"
	"github.com/2389/callwatch/internal/store"
)

type noLimit struct{}

func (noLimit) Acquire(context.Context, string, bool) error { return nil }

type collector struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (c *collector) Notify(_ context.Context, n *notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func setup(t *testing.T) (*Tracker, store.TrackingStore, *index.ReverseIndex, *collector) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	idx := index.New(nil)
	c := &collector{}
	return New(s, idx, noLimit{}, c, Config{}, nil, nil), s, idx, c
}

func TestTrack_AddsToIndex(t *testing.T) {
	tr, s, idx, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 10}))

	assert.Equal(t, []string{"U1"}, idx.Lookup("T1"))
	e, err := s.GetTracking(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.BaselineValue)
}

func TestTrack_RejectsBadBaseline(t *testing.T) {
	tr, _, idx, _ := setup(t)
	ctx := context.Background()

	assert.Error(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 0}))
	assert.Error(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", BaselineValue: 3}))
	assert.Empty(t, idx.Lookup("T1"))
}

func TestObserve_NotifiesOncePerMultiple(t *testing.T) {
	tr, _, _, c := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 10}))

	steps := []struct {
		value float64
		want  int
	}{
		{15, 0}, // 1x is below the minimum multiple
		{20, 1}, // 2x
		{29, 0}, // still 2x
		{20, 0},
		{45, 1}, // 4x, skipping 3x
		{31, 0}, // falling back never re-announces
	}
	for _, step := range steps {
		n, err := tr.Observe(ctx, "T1", step.value)
		require.NoError(t, err)
		assert.Equal(t, step.want, n, "value %v", step.value)
	}

	require.Equal(t, 2, c.count())
	assert.Equal(t, 2, c.sent[0].Multiple)
	assert.Equal(t, 4, c.sent[1].Multiple)
	assert.Equal(t, notify.KindMultiple, c.sent[1].Kind)
}

func TestObserve_HugeRatioClamped(t *testing.T) {
	tr, _, _, c := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 1e-300}))

	n, err := tr.Observe(ctx, "T1", 1e300)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, maxMultiple, c.sent[0].Multiple)

	n, err = tr.Observe(ctx, "T1", math.MaxFloat64)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the cap is announced once")
}

func TestMultipleOf(t *testing.T) {
	cases := []struct {
		current, baseline float64
		want              int
	}{
		{25, 10, 2},
		{9.99, 10, 0},
		{-50, 10, 0},
		{1e30, 1, maxMultiple},
		{math.Inf(1), 1, maxMultiple},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, multipleOf(tc.current, tc.baseline), "%v / %v", tc.current, tc.baseline)
	}
}

func TestObserve_ConcurrentAnnouncesOnce(t *testing.T) {
	tr, _, _, c := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 1}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Observe(ctx, "T1", 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.count())
}

func TestObserve_StaleIndexSkipped(t *testing.T) {
	tr, _, idx, c := setup(t)
	idx.Add("T1", "ghost")

	n, err := tr.Observe(context.Background(), "T1", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, c.count())
}

func TestObserve_RetrackResetsProgress(t *testing.T) {
	tr, _, _, c := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 10}))

	_, err := tr.Observe(ctx, "T1", 20)
	require.NoError(t, err)
	require.NoError(t, tr.Track(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 5}))
	_, err = tr.Observe(ctx, "T1", 10)
	require.NoError(t, err)

	assert.Equal(t, 2, c.count())
}
