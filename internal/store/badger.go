// ABOUTME: BadgerDB implementation of DecisionStore with native entry TTL
// ABOUTME: Upserts run in a read-write transaction and retry on badger.ErrConflict

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the badger decision store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
}

// BadgerStore implements DecisionStore on top of BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	opts   options
	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore opens a badger-backed decision store.
func NewBadgerStore(cfg BadgerConfig, opts ...Option) (*BadgerStore, error) {
	o := buildOptions(opts)
	o.logger = o.logger.With("component", "store", "backend", "badger")

	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent badger store")
	}

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating badger directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: o.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		opts:   o,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}

	o.logger.Info("badger store initialized", "path", cfg.Path, "in_memory", cfg.InMemory)
	return s, nil
}

func decisionKey(subjectID, observerID string) []byte {
	return []byte("decision/" + subjectID + "\x00" + observerID)
}

// GetDecision retrieves the live record for a pair. Expired entries are
// invisible to badger reads.
func (s *BadgerStore) GetDecision(ctx context.Context, subjectID, observerID string) (*ProcessingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *ProcessingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readDecision(txn, s.opts.logger, subjectID, observerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func readDecision(txn *badger.Txn, logger *slog.Logger, subjectID, observerID string) (*ProcessingRecord, error) {
	item, err := txn.Get(decisionKey(subjectID, observerID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading decision: %w", err)
	}

	var (
		rec       *ProcessingRecord
		decodeErr error
	)
	err = item.Value(func(val []byte) error {
		rec, decodeErr = DecodeRecord(subjectID, observerID, val)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading decision value: %w", err)
	}
	if decodeErr != nil {
		// An unreadable payload is treated like an absent one and overwritten
		logger.Warn("discarding undecodable decision payload",
			"subject_id", subjectID, "observer_id", observerID, "error", decodeErr)
		return nil, nil
	}
	if exp := item.ExpiresAt(); exp > 0 {
		rec.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return rec, nil
}

// UpsertDecision merges candidate into the stored record inside a badger
// transaction. Badger aborts the commit with ErrConflict if the key was
// written after we read it, in which case the merge is recomputed.
func (s *BadgerStore) UpsertDecision(ctx context.Context, candidate *ProcessingRecord) (UpsertResult, error) {
	if candidate == nil || !candidate.Status.Valid() {
		return UpsertResult{}, fmt.Errorf("invalid candidate record")
	}

	key := decisionKey(candidate.SubjectID, candidate.ObserverID)
	for attempt := 0; attempt < s.opts.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return UpsertResult{}, err
		}

		var result UpsertResult
		err := s.db.Update(func(txn *badger.Txn) error {
			stored, err := readDecision(txn, s.opts.logger, candidate.SubjectID, candidate.ObserverID)
			if err != nil {
				return err
			}

			merged, written, changed := MergeRecord(stored, candidate)
			result = UpsertResult{Written: written}
			if stored != nil {
				result.Previous = stored.Status
			}
			if !changed {
				result.Stored = stored
				return nil
			}

			payload, err := EncodeRecord(merged)
			if err != nil {
				return err
			}
			ttl := s.opts.ttl.For(merged.Status)
			merged.ExpiresAt = s.opts.now().Add(ttl).UTC()
			result.Stored = merged
			return txn.SetEntry(badger.NewEntry(key, payload).WithTTL(ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			s.opts.logger.Debug("decision write conflicted, retrying",
				"subject_id", candidate.SubjectID, "observer_id", candidate.ObserverID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return UpsertResult{}, fmt.Errorf("writing decision: %w", err)
		}
		return result, nil
	}

	return UpsertResult{}, fmt.Errorf("upserting %s/%s: %w", candidate.SubjectID, candidate.ObserverID, ErrConflict)
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.opts.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call multiple times.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		s.opts.logger.Info("closing badger store")
		err = s.db.Close()
	})
	return err
}
