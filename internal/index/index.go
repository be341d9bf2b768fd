// ABOUTME: In-memory reverse index from subject id to the observers tracking it
// ABOUTME: Rebuilt from the tracking store at startup, then maintained incrementally

package index

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/callwatch/internal/store"
)

const shardCount = 16

// TrackingScanner is the slice of the tracking store needed to rebuild.
type TrackingScanner interface {
	ScanTracking(ctx context.Context, fn func(*store.TrackingEntry) error) error
}

type shard struct {
	mu       sync.RWMutex
	subjects map[string]map[string]struct{}
}

// ReverseIndex answers "which observers track this subject" without a store
// round trip. It is eventually consistent with the tracking store: callers
// must Add right after persisting a new entry.
type ReverseIndex struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// New creates an empty index.
func New(logger *slog.Logger) *ReverseIndex {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &ReverseIndex{logger: logger.With("component", "index")}
	for i := range idx.shards {
		idx.shards[i] = &shard{subjects: make(map[string]map[string]struct{})}
	}
	return idx
}

func (idx *ReverseIndex) shardFor(subjectID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return idx.shards[h.Sum32()%shardCount]
}

// Rebuild replaces the index contents with a full scan of the tracking store.
// Entries may arrive in any order; the result only depends on the set of
// (subject, observer) pairs. On error the current contents are left untouched.
func (idx *ReverseIndex) Rebuild(ctx context.Context, src TrackingScanner) (int, error) {
	fresh := make([]map[string]map[string]struct{}, shardCount)
	for i := range fresh {
		fresh[i] = make(map[string]map[string]struct{})
	}

	n := 0
	err := src.ScanTracking(ctx, func(e *store.TrackingEntry) error {
		if e.SubjectID == "" || e.ObserverID == "" {
			return nil
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(e.SubjectID))
		m := fresh[h.Sum32()%shardCount]
		observers, ok := m[e.SubjectID]
		if !ok {
			observers = make(map[string]struct{})
			m[e.SubjectID] = observers
		}
		if _, dup := observers[e.ObserverID]; !dup {
			observers[e.ObserverID] = struct{}{}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuilding reverse index: %w", err)
	}

	for i, s := range idx.shards {
		s.mu.Lock()
		s.subjects = fresh[i]
		s.mu.Unlock()
	}

	idx.logger.Info("reverse index rebuilt", "entries", n)
	return n, nil
}

// Add records that observerID tracks subjectID. Idempotent.
func (idx *ReverseIndex) Add(subjectID, observerID string) {
	s := idx.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	observers, ok := s.subjects[subjectID]
	if !ok {
		observers = make(map[string]struct{})
		s.subjects[subjectID] = observers
	}
	observers[observerID] = struct{}{}
}

// Remove drops the pair if present.
func (idx *ReverseIndex) Remove(subjectID, observerID string) {
	s := idx.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	observers, ok := s.subjects[subjectID]
	if !ok {
		return
	}
	delete(observers, observerID)
	if len(observers) == 0 {
		delete(s.subjects, subjectID)
	}
}

// Lookup returns the observers tracking subjectID, sorted. Unknown subjects
// yield an empty, non-nil slice.
func (idx *ReverseIndex) Lookup(subjectID string) []string {
	s := idx.shardFor(subjectID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	observers := s.subjects[subjectID]
	out := make([]string, 0, len(observers))
	for o := range observers {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of (subject, observer) pairs.
func (idx *ReverseIndex) Len() int {
	n := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		for _, observers := range s.subjects {
			n += len(observers)
		}
		s.mu.RUnlock()
	}
	return n
}

// Subjects returns every indexed subject id, sorted.
func (idx *ReverseIndex) Subjects() []string {
	var out []string
	for _, s := range idx.shards {
		s.mu.RLock()
		for subject := range s.subjects {
			out = append(out, subject)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
