package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file name used inside a data directory.
const SQLiteFile = "tierstore.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key  TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS tier_index (
	tier TEXT NOT NULL,
	key  TEXT NOT NULL,
	PRIMARY KEY (tier, key)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS conflicts (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS conflicts_created ON conflicts (created_at, id);`

// SQLiteEngine implements Engine on a single SQLite file.
//
// Records and conflicts are stored as JSON so the file can be inspected
// with the sqlite3 shell. The tier index lives in its own table with the
// same stale-entry semantics as the badger layout.
type SQLiteEngine struct {
	db     *sql.DB
	closed atomic.Bool
	now    func() time.Time
}

// NewSQLiteEngine opens (or creates) a SQLite-backed engine.
// Use ":memory:" for an in-memory database.
func NewSQLiteEngine(path string) (*SQLiteEngine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database is private to its connection,
	// and SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteEngine{db: db, now: time.Now}, nil
}

func (s *SQLiteEngine) ensureOpen() error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	return nil
}

// PutRecord creates or replaces a record and indexes it under its tier.
func (s *SQLiteEngine) PutRecord(ctx context.Context, rec *Record) error {
	if rec == nil {
		return ErrInvalidData
	}
	if rec.Key == "" {
		return ErrInvalidID
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (key, tier, data) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET tier = excluded.tier, data = excluded.data`,
		rec.Key, string(rec.Tier), data); err != nil {
		return fmt.Errorf("put %q: %w", rec.Key, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO tier_index (tier, key) VALUES (?, ?)",
		string(rec.Tier), rec.Key); err != nil {
		return fmt.Errorf("index %q: %w", rec.Key, err)
	}
	return tx.Commit()
}

// GetRecord retrieves a record by key.
func (s *SQLiteEngine) GetRecord(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidID
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM records WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return decodeJSONRecord(data)
}

func decodeJSONRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &rec, nil
}

// DeleteRecord removes a record and every tier index entry for it.
func (s *SQLiteEngine) DeleteRecord(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidID
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tier_index WHERE key = ?", key); err != nil {
		return err
	}
	return tx.Commit()
}

// ScanTier walks the tier index in key order, strictly after afterKey.
func (s *SQLiteEngine) ScanTier(ctx context.Context, tier Tier, afterKey string, limit int) ([]*Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.data FROM tier_index i JOIN records r ON r.key = i.key
		WHERE i.tier = ? AND i.key > ?
		ORDER BY i.key LIMIT ?`,
		string(tier), afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", tier, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeJSONRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AllKeys returns every record key in key order.
func (s *SQLiteEngine) AllKeys(ctx context.Context) ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM records ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RemoveTierIndex drops a stale tier index entry. The entry for the
// record's current tier is never removed.
func (s *SQLiteEngine) RemoveTierIndex(ctx context.Context, tier Tier, key string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tier_index WHERE tier = ? AND key = ?
		AND NOT EXISTS (SELECT 1 FROM records WHERE key = ? AND tier = ?)`,
		string(tier), key, key, string(tier))
	return err
}

// PutConflict stores a conflict record. An already expired record is
// deleted instead.
func (s *SQLiteEngine) PutConflict(ctx context.Context, c *ConflictRecord) error {
	if c == nil {
		return ErrInvalidData
	}
	if c.ID == "" {
		return ErrInvalidID
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if c.Expired(s.now()) {
		_, err := s.db.ExecContext(ctx, "DELETE FROM conflicts WHERE id = ?", c.ID)
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	var expires sql.NullInt64
	if !c.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: c.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, created_at, expires_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			data = excluded.data`,
		c.ID, c.CreatedAt.UnixNano(), expires, data)
	return err
}

// GetConflict retrieves an unexpired conflict record by id.
func (s *SQLiteEngine) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM conflicts WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)",
		id, s.now().UnixNano()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJSONConflict(data)
}

func decodeJSONConflict(data []byte) (*ConflictRecord, error) {
	var c ConflictRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &c, nil
}

// ListConflicts returns all live conflict records ordered by creation time.
func (s *SQLiteEngine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM conflicts
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at, id`, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c, err := decodeJSONConflict(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict removes a conflict record.
func (s *SQLiteEngine) DeleteConflict(ctx context.Context, id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM conflicts WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Backup writes a compacted copy of the database to path.
func (s *SQLiteEngine) Backup(path string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, err := s.db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	return nil
}

// RunGC checkpoints the write-ahead log and truncates it.
func (s *SQLiteEngine) RunGC() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Size returns the database size in bytes. SQLite has no separate value
// log, so vlog is always zero.
func (s *SQLiteEngine) Size() (lsm, vlog int64) {
	if s.ensureOpen() != nil {
		return 0, 0
	}
	var pages, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return 0, 0
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, 0
	}
	return pages * pageSize, 0
}

// Close closes the database.
func (s *SQLiteEngine) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

var (
	_ Engine     = (*SQLiteEngine)(nil)
	_ Maintainer = (*SQLiteEngine)(nil)
)
