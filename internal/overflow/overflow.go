// Package overflow provides the durable overflow store: a capacity-bounded,
// key-addressable SQLite store holding individual visual events and failed
// batches so they survive across page loads for retry and offline export.
//
// The store is shared across pipeline instances of the same origin; every
// operation is independently atomic per key (single statement or one
// transaction), so a stale instance racing a fresh one cannot corrupt it.
package overflow

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tracepipe/internal/metrics"
)

// Record kinds.
const (
	KindEvent = "event"
	KindBatch = "batch"
)

// Schema for the overflow store.
const schema = `
CREATE TABLE IF NOT EXISTS records (
    key           TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    timestamp_ms  INTEGER NOT NULL,
    synced        INTEGER NOT NULL DEFAULT 0,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    payload       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_kind_ts ON records(kind, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
`

// Record is one persisted unit: a single visual event (Synced marks it
// delivered) or a failed batch (RetryCount tracks attempts).
type Record struct {
	Key         string
	Kind        string
	SessionID   string
	TimestampMs int64
	Synced      bool
	RetryCount  int
	Payload     []byte
}

// Store is the SQLite-backed overflow store.
type Store struct {
	db *sql.DB

	// maxEvents caps single-event records; zero disables eviction.
	maxEvents int
}

// Open opens or creates the store at path and applies the schema.
// maxEvents is the single-event record cap enforced after each insertion.
func Open(path string, maxEvents int) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, maxEvents: maxEvents}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put inserts or replaces a record under its key.
func (s *Store) Put(r *Record) error {
	synced := 0
	if r.Synced {
		synced = 1
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO records (key, kind, session_id, timestamp_ms, synced, retry_count, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Key, r.Kind, r.SessionID, r.TimestampMs, synced, r.RetryCount, r.Payload,
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	return nil
}

// Get retrieves a record by key, or nil when absent.
func (s *Store) Get(key string) (*Record, error) {
	var r Record
	var synced int

	err := s.db.QueryRow(`
		SELECT key, kind, session_id, timestamp_ms, synced, retry_count, payload
		FROM records WHERE key = ?`, key,
	).Scan(&r.Key, &r.Kind, &r.SessionID, &r.TimestampMs, &synced, &r.RetryCount, &r.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	r.Synced = synced != 0
	return &r, nil
}

// Delete removes a record by key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteKeys removes a set of records in one transaction.
func (s *Store) DeleteKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM records WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.Exec(key); err != nil {
			return fmt.Errorf("delete record %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// ListKeys returns all record keys ordered by insertion timestamp.
func (s *Store) ListKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM records ORDER BY timestamp_ms ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	return keys, nil
}

// PutEvent persists one visual event under a fresh event_<ts>_<random> key
// and enforces the single-event capacity cap. Returns the assigned key.
func (s *Store) PutEvent(sessionID string, timestampMs int64, payload []byte) (string, error) {
	key := fmt.Sprintf("event_%d_%s", timestampMs, strings.Split(uuid.NewString(), "-")[0])

	err := s.Put(&Record{
		Key:         key,
		Kind:        KindEvent,
		SessionID:   sessionID,
		TimestampMs: timestampMs,
		Payload:     payload,
	})
	if err != nil {
		return "", err
	}

	if err := s.evictEvents(); err != nil {
		return key, err
	}

	return key, nil
}

// PutBatch persists a failed batch under a batch_<ts> key. Re-persisting an
// existing key increments its retry count.
func (s *Store) PutBatch(key, sessionID string, timestampMs int64, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO records (key, kind, session_id, timestamp_ms, synced, retry_count, payload)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(key) DO UPDATE SET retry_count = retry_count + 1`,
		key, KindBatch, sessionID, timestampMs, payload,
	)
	if err != nil {
		return fmt.Errorf("put batch: %w", err)
	}

	return nil
}

// MarkSynced flags a single-event record as delivered.
func (s *Store) MarkSynced(key string) error {
	if _, err := s.db.Exec(`UPDATE records SET synced = 1 WHERE key = ?`, key); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// PendingBatches returns all persisted failed batches, oldest first.
func (s *Store) PendingBatches() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT key, kind, session_id, timestamp_ms, synced, retry_count, payload
		FROM records WHERE kind = ? ORDER BY timestamp_ms ASC`, KindBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending batches: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountEvents returns the number of single-event records.
func (s *Store) CountEvents() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE kind = ?`, KindEvent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// evictEvents deletes oldest-by-timestamp single-event records until the
// count is at or under the cap. Eviction is a pure capacity policy: it does
// not spare unsynced records.
func (s *Store) evictEvents() error {
	if s.maxEvents <= 0 {
		return nil
	}

	count, err := s.CountEvents()
	if err != nil {
		return err
	}
	excess := count - s.maxEvents
	if excess <= 0 {
		return nil
	}

	result, err := s.db.Exec(`
		DELETE FROM records WHERE key IN (
			SELECT key FROM records WHERE kind = ?
			ORDER BY timestamp_ms ASC, key ASC LIMIT ?
		)`, KindEvent, excess,
	)
	if err != nil {
		return fmt.Errorf("evict events: %w", err)
	}

	if evicted, err := result.RowsAffected(); err == nil && evicted > 0 {
		metrics.OverflowEvictions.Add(float64(evicted))
	}

	return nil
}

// scanRecords is a helper to scan record rows into a slice.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record

	for rows.Next() {
		var r Record
		var synced int

		if err := rows.Scan(&r.Key, &r.Kind, &r.SessionID, &r.TimestampMs, &synced, &r.RetryCount, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		r.Synced = synced != 0
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}
