package governor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/metrics"
)

func maxInWindow(times []time.Time, window time.Duration) int {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	best := 0
	for i := range times {
		n := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) < window; j++ {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}

func TestAcquire_GlobalRateWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	g := New(Config{PerObserverRate: 100, GlobalRate: 30}, nil, nil)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := g.Acquire(ctx, fmt.Sprintf("U%d", i), false)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, times, 40, "every request eventually succeeds")
	// one extra for the initial burst token plus scheduling jitter
	assert.LessOrEqual(t, maxInWindow(times, time.Second), 32)
}

func TestAcquire_PerObserverTier(t *testing.T) {
	g := New(Config{PerObserverRate: 10, GlobalRate: 1000, GlobalBurst: 100}, nil, nil)
	defer g.Close()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(ctx, "U1", false))
	}
	// burst 1 at 10/s: the 2nd and 3rd permits wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)

	// a different observer is not held back by U1
	start = time.Now()
	require.NoError(t, g.Acquire(ctx, "U2", false))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, g.Observers())
}

func TestAcquire_PriorityBypassesObserverTier(t *testing.T) {
	g := New(Config{PerObserverRate: 0.1, GlobalRate: 1000, GlobalBurst: 100}, nil, nil)
	defer g.Close()
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "U1", false))

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Acquire(ctx, "U1", true))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquire_PriorityStillConsumesGlobal(t *testing.T) {
	g := New(Config{GlobalRate: 1}, nil, nil)
	defer g.Close()

	require.NoError(t, g.Acquire(context.Background(), "admin", true))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "admin", true)
	assert.Error(t, err, "global bucket is empty for the next second")
}

func TestAcquire_ContextCancelled(t *testing.T) {
	g := New(Config{PerObserverRate: 0.01}, nil, nil)
	defer g.Close()

	require.NoError(t, g.Acquire(context.Background(), "U1", false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Acquire(ctx, "U1", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observer U1")
}

func TestAcquire_RecordsWaitMetrics(t *testing.T) {
	m := metrics.New()
	g := New(Config{GlobalRate: 1000, GlobalBurst: 10}, m, nil)
	defer g.Close()

	require.NoError(t, g.Acquire(context.Background(), "U1", false))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "callwatch_governor_wait_seconds" {
			found = true
			assert.Len(t, f.GetMetric(), 2, "observer and global tiers")
		}
	}
	assert.True(t, found)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1.0, cfg.PerObserverRate)
	assert.Equal(t, 30.0, cfg.GlobalRate)
	assert.Equal(t, 1, cfg.GlobalBurst)
}
