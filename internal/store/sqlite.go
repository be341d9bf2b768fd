// ABOUTME: SQLite implementation of the decision, tracking and audit stores using modernc.org/sqlite
// ABOUTME: Decision upserts use an optimistic compare-and-swap on a version column

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements DecisionStore, TrackingStore and AuditStore using SQLite
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	o.logger = o.logger.With("component", "store", "backend", "sqlite")

	dsn := path
	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:   db,
		opts: o,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	o.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS decisions (
			subject_id  TEXT NOT NULL,
			observer_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			payload     TEXT NOT NULL,
			version     INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			updated_at  TEXT NOT NULL,

			PRIMARY KEY (subject_id, observer_id),
			CHECK (status IN ('accepted', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_expires ON decisions(expires_at);

		CREATE TABLE IF NOT EXISTS tracking_entries (
			source_observer_map_key TEXT PRIMARY KEY,
			subject_id              TEXT NOT NULL,
			observer_id             TEXT NOT NULL,
			baseline_value          REAL NOT NULL,
			last_notified_multiple  INTEGER NOT NULL DEFAULT 0,
			created_at              TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tracking_subject ON tracking_entries(subject_id);

		CREATE TABLE IF NOT EXISTS decision_audit (
			audit_id    TEXT PRIMARY KEY,
			subject_id  TEXT NOT NULL,
			observer_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			written     INTEGER NOT NULL,
			notified    INTEGER NOT NULL,
			new_sources TEXT,
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decision_audit_ts ON decision_audit(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_subject ON decision_audit(subject_id, observer_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.opts.logger.Info("closing SQLite store")
	return s.db.Close()
}

// GetDecision retrieves the live record for a (subject, observer) pair.
// Returns ErrNotFound if there is none or it has expired.
func (s *SQLiteStore) GetDecision(ctx context.Context, subjectID, observerID string) (*ProcessingRecord, error) {
	query := `
		SELECT payload, expires_at
		FROM decisions
		WHERE subject_id = ? AND observer_id = ? AND expires_at > ?
	`

	var payload string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, subjectID, observerID, s.opts.now().UnixNano()).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}

	rec, err := DecodeRecord(subjectID, observerID, []byte(payload))
	if err != nil {
		// the next upsert overwrites it
		s.opts.logger.Warn("ignoring undecodable decision payload",
			"subject_id", subjectID, "observer_id", observerID, "error", err)
		return nil, ErrNotFound
	}
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return rec, nil
}

// storedRow is the raw decision row including expired ones, which still
// occupy the primary key until purged.
type storedRow struct {
	record  *ProcessingRecord // nil when the row is expired
	version int64
	exists  bool
}

func (s *SQLiteStore) readRow(ctx context.Context, subjectID, observerID string, now time.Time) (storedRow, error) {
	query := `
		SELECT payload, version, expires_at
		FROM decisions
		WHERE subject_id = ? AND observer_id = ?
	`

	var payload string
	var row storedRow
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, subjectID, observerID).Scan(&payload, &row.version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return row, nil
	}
	if err != nil {
		return row, fmt.Errorf("querying decision row: %w", err)
	}
	row.exists = true
	if expiresAt <= now.UnixNano() {
		return row, nil
	}

	rec, err := DecodeRecord(subjectID, observerID, []byte(payload))
	if err != nil {
		// An unreadable payload is treated like an expired one and overwritten
		s.opts.logger.Warn("discarding undecodable decision payload",
			"subject_id", subjectID, "observer_id", observerID, "error", err)
		return row, nil
	}
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	row.record = rec
	return row, nil
}

// UpsertDecision applies MergeRecord against the current row with an
// optimistic compare-and-swap, retrying when another writer got there first.
func (s *SQLiteStore) UpsertDecision(ctx context.Context, candidate *ProcessingRecord) (UpsertResult, error) {
	if candidate == nil || !candidate.Status.Valid() {
		return UpsertResult{}, fmt.Errorf("invalid candidate record")
	}

	for attempt := 0; attempt < s.opts.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return UpsertResult{}, err
		}

		now := s.opts.now()
		row, err := s.readRow(ctx, candidate.SubjectID, candidate.ObserverID, now)
		if err != nil {
			return UpsertResult{}, err
		}

		merged, written, changed := MergeRecord(row.record, candidate)
		result := UpsertResult{Written: written}
		if row.record != nil {
			result.Previous = row.record.Status
		}
		if !changed {
			result.Stored = row.record.Clone()
			return result, nil
		}

		payload, err := EncodeRecord(merged)
		if err != nil {
			return UpsertResult{}, err
		}
		merged.ExpiresAt = now.Add(s.opts.ttl.For(merged.Status)).UTC()

		var res sql.Result
		if !row.exists {
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO decisions (subject_id, observer_id, status, payload, version, expires_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT(subject_id, observer_id) DO NOTHING
			`, merged.SubjectID, merged.ObserverID, merged.Status, string(payload),
				merged.ExpiresAt.UnixNano(), now.UTC().Format(time.RFC3339Nano))
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE decisions
				SET status = ?, payload = ?, version = version + 1, expires_at = ?, updated_at = ?
				WHERE subject_id = ? AND observer_id = ? AND version = ?
			`, merged.Status, string(payload), merged.ExpiresAt.UnixNano(), now.UTC().Format(time.RFC3339Nano),
				merged.SubjectID, merged.ObserverID, row.version)
		}
		if err != nil {
			return UpsertResult{}, fmt.Errorf("writing decision: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return UpsertResult{}, fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			s.opts.logger.Debug("decision write lost race, retrying",
				"subject_id", candidate.SubjectID, "observer_id", candidate.ObserverID, "attempt", attempt+1)
			continue
		}

		s.opts.logger.Debug("wrote decision",
			"subject_id", merged.SubjectID,
			"observer_id", merged.ObserverID,
			"status", merged.Status,
			"written", written,
		)
		result.Stored = merged
		return result, nil
	}

	return UpsertResult{}, fmt.Errorf("upserting %s/%s: %w", candidate.SubjectID, candidate.ObserverID, ErrConflict)
}

// PurgeExpired deletes decision rows whose TTL has elapsed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE expires_at <= ?`, s.opts.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging decisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.opts.logger.Debug("purged expired decisions", "count", n)
	}
	return n, nil
}

// SaveTracking creates or replaces the tracking entry for a pair.
// Re-tracking overwrites the baseline and resets the notified multiple.
func (s *SQLiteStore) SaveTracking(ctx context.Context, entry *TrackingEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.opts.now().UTC()
	}

	query := `
		INSERT INTO tracking_entries (source_observer_map_key, subject_id, observer_id, baseline_value, last_notified_multiple, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_observer_map_key) DO UPDATE SET
			baseline_value = excluded.baseline_value,
			last_notified_multiple = excluded.last_notified_multiple,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.MapKey(),
		entry.SubjectID,
		entry.ObserverID,
		entry.BaselineValue,
		entry.LastNotifiedMultiple,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving tracking entry: %w", err)
	}

	s.opts.logger.Debug("saved tracking entry", "subject_id", entry.SubjectID, "observer_id", entry.ObserverID)
	return nil
}

// GetTracking retrieves a tracking entry.
// Returns ErrNotFound if the pair is not tracked.
func (s *SQLiteStore) GetTracking(ctx context.Context, subjectID, observerID string) (*TrackingEntry, error) {
	query := `
		SELECT subject_id, observer_id, baseline_value, last_notified_multiple, created_at
		FROM tracking_entries
		WHERE source_observer_map_key = ?
	`

	entry, err := scanTracking(s.db.QueryRowContext(ctx, query, TrackingKey(subjectID, observerID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tracking entry: %w", err)
	}
	return entry, nil
}

// UpdateNotifiedMultiple moves last_notified_multiple from one value to
// another. Returns false if the stored value was no longer from.
func (s *SQLiteStore) UpdateNotifiedMultiple(ctx context.Context, subjectID, observerID string, from, to int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracking_entries
		SET last_notified_multiple = ?
		WHERE source_observer_map_key = ? AND last_notified_multiple = ?
	`, to, TrackingKey(subjectID, observerID), from)
	if err != nil {
		return false, fmt.Errorf("updating notified multiple: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// ScanTracking visits every tracking entry.
func (s *SQLiteStore) ScanTracking(ctx context.Context, fn func(*TrackingEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, observer_id, baseline_value, last_notified_multiple, created_at
		FROM tracking_entries
	`)
	if err != nil {
		return fmt.Errorf("querying tracking entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanTracking(rows)
		if err != nil {
			return fmt.Errorf("scanning tracking row: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating tracking rows: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracking(row rowScanner) (*TrackingEntry, error) {
	var entry TrackingEntry
	var createdAtStr string
	if err := row.Scan(
		&entry.SubjectID,
		&entry.ObserverID,
		&entry.BaselineValue,
		&entry.LastNotifiedMultiple,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	entry.CreatedAt = createdAt
	return &entry, nil
}

// AppendAudit appends a decision audit entry.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.opts.now().UTC()
	}

	var sources *string
	if len(e.NewSources) > 0 {
		data, err := json.Marshal(e.NewSources)
		if err != nil {
			return fmt.Errorf("marshaling audit sources: %w", err)
		}
		str := string(data)
		sources = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_audit (audit_id, subject_id, observer_id, status, written, notified, new_sources, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SubjectID, e.ObserverID, e.Status, boolInt(e.Written), boolInt(e.Notified), sources,
		e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries for a pair, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, subjectID, observerID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, subject_id, observer_id, status, written, notified, new_sources, ts
		FROM decision_audit
		WHERE subject_id = ? AND observer_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`, subjectID, observerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var written, notified int
		var sources *string
		var ts string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ObserverID, &e.Status, &written, &notified, &sources, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Written = written == 1
		e.Notified = notified == 1
		if sources != nil && strings.TrimSpace(*sources) != "" {
			if err := json.Unmarshal([]byte(*sources), &e.NewSources); err != nil {
				return nil, fmt.Errorf("parsing audit sources: %w", err)
			}
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit ts: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
