package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ajaybenii/test-system-backend/internal/store"
)

// Store is a SQLite-backed event log and summary store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and applies the schema.
// Transactions begin IMMEDIATE so a merge holds the write lock from its first
// read, and busy connections wait instead of failing.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensureKeyScheme(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS store_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		event_key TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		received_at_ms INTEGER NOT NULL,
		UNIQUE (attempt_id, event_key)
	);

	CREATE INDEX IF NOT EXISTS idx_events_attempt_question_ts
		ON events (attempt_id, question, timestamp_ms DESC, event_key DESC);

	CREATE INDEX IF NOT EXISTS idx_events_attempt_ts
		ON events (attempt_id, timestamp_ms DESC);

	CREATE TABLE IF NOT EXISTS attempts (
		attempt_id TEXT PRIMARY KEY,
		last_updated_ms INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempt_answers (
		attempt_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		event_key TEXT NOT NULL,
		PRIMARY KEY (attempt_id, question)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// isBusyError reports whether err is SQLite lock contention that outlasted
// the busy timeout.
func isBusyError(err error) bool {
	var sqliteErr *sqlitedrv.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// wrap annotates a storage error, flagging lock contention so operators can
// tell it apart from a broken database.
func wrap(op string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%s: database busy: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
