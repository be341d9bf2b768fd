package index

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/callwatch/internal/store"
)

type sliceScanner struct {
	entries []*store.TrackingEntry
	err     error
}

func (s sliceScanner) ScanTracking(_ context.Context, fn func(*store.TrackingEntry) error) error {
	for _, e := range s.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return s.err
}

func testEntries() []*store.TrackingEntry {
	var out []*store.TrackingEntry
	for s := 0; s < 40; s++ {
		for o := 0; o < s%4+1; o++ {
			out = append(out, &store.TrackingEntry{SubjectID: fmt.Sprintf("T%d", s), ObserverID: fmt.Sprintf("U%d", o)})
		}
	}
	return out
}

func snapshot(idx *ReverseIndex) map[string][]string {
	out := make(map[string][]string)
	for _, s := range idx.Subjects() {
		out[s] = idx.Lookup(s)
	}
	return out
}

func TestLookup_Unknown(t *testing.T) {
	idx := New(nil)
	got := idx.Lookup("nope")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAddRemove(t *testing.T) {
	idx := New(nil)
	idx.Add("T1", "U2")
	idx.Add("T1", "U1")
	idx.Add("T1", "U1")

	assert.Equal(t, []string{"U1", "U2"}, idx.Lookup("T1"))
	assert.Equal(t, 2, idx.Len())

	idx.Remove("T1", "U1")
	idx.Remove("T9", "U1")
	assert.Equal(t, []string{"U2"}, idx.Lookup("T1"))

	idx.Remove("T1", "U2")
	assert.Empty(t, idx.Subjects())
}

func TestLookup_ReturnsCopy(t *testing.T) {
	idx := New(nil)
	idx.Add("T1", "U1")
	got := idx.Lookup("T1")
	got[0] = "mutated"
	assert.Equal(t, []string{"U1"}, idx.Lookup("T1"))
}

func TestRebuild_OrderIndependent(t *testing.T) {
	entries := testEntries()
	// duplicates must not change the result either
	entries = append(entries, entries[0], entries[5])

	ref := New(nil)
	n, err := ref.Rebuild(context.Background(), sliceScanner{entries: entries})
	require.NoError(t, err)
	assert.Equal(t, len(entries)-2, n)
	want := snapshot(ref)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]*store.TrackingEntry(nil), entries...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		idx := New(nil)
		_, err := idx.Rebuild(context.Background(), sliceScanner{entries: shuffled})
		require.NoError(t, err)
		assert.Equal(t, want, snapshot(idx))

		// equivalent to replaying Add in any order
		replay := New(nil)
		for _, e := range shuffled {
			replay.Add(e.SubjectID, e.ObserverID)
		}
		assert.Equal(t, want, snapshot(replay))
	}
}

func TestRebuild_ReplacesState(t *testing.T) {
	idx := New(nil)
	idx.Add("stale", "U1")

	_, err := idx.Rebuild(context.Background(), sliceScanner{entries: []*store.TrackingEntry{{SubjectID: "T1", ObserverID: "U1"}}})
	require.NoError(t, err)

	assert.Empty(t, idx.Lookup("stale"))
	assert.Equal(t, []string{"U1"}, idx.Lookup("T1"))
}

func TestRebuild_ErrorKeepsState(t *testing.T) {
	idx := New(nil)
	idx.Add("T1", "U1")

	_, err := idx.Rebuild(context.Background(), sliceScanner{
		entries: []*store.TrackingEntry{{SubjectID: "T2", ObserverID: "U1"}},
		err:     errors.New("disk gone"),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"U1"}, idx.Lookup("T1"))
	assert.Empty(t, idx.Lookup("T2"))
}

func TestRebuild_FromSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveTracking(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U1", BaselineValue: 1}))
	require.NoError(t, s.SaveTracking(ctx, &store.TrackingEntry{SubjectID: "T1", ObserverID: "U2", BaselineValue: 1}))

	idx := New(nil)
	n, err := idx.Rebuild(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"U1", "U2"}, idx.Lookup("T1"))
}

func TestConcurrentAddLookup(t *testing.T) {
	idx := New(nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				subject := fmt.Sprintf("T%d", i%20)
				idx.Add(subject, fmt.Sprintf("U%d", g))
				idx.Lookup(subject)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 20*8, idx.Len())
}
