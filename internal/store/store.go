// Package store implements the canonical SQLite store for the gantry broker.
//
// The store owns the schema, its indexes, and the single-writer state
// machine for task status. All status mutation routes through the state
// writer in state_writer.go; tools/statecheck enforces this at build time.
//
// Concurrency model: WAL with one writer at a time. Contested writes run
// under BEGIN IMMEDIATE (the _txlock=immediate DSN option) and block at most
// busy_timeout before failing.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"gantry/internal/logging"
)

// Store wraps the SQLite database holding tasks, messages, workers, config,
// and the review ledger.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path. The parent
// directory is created if missing. busyTimeout bounds writer waits.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	ensureTaskIndexes(db)

	logging.Get(logging.CategoryStore).Info("Store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	taskTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lane TEXT NOT NULL,
		lane_rank INTEGER NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		dependencies TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 10,
		exec_class TEXT NOT NULL DEFAULT 'parallel',
		archetype TEXT NOT NULL DEFAULT 'GENERIC',
		risk TEXT NOT NULL DEFAULT 'LOW',
		source_ids TEXT NOT NULL DEFAULT '[]',
		source_plan_hash TEXT NOT NULL DEFAULT '',
		task_signature TEXT NOT NULL,
		dod TEXT NOT NULL DEFAULT '',
		trace TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		lease_id TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		heartbeat_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		auditor_status TEXT NOT NULL DEFAULT 'none',
		review_decision TEXT NOT NULL DEFAULT '',
		review_notes TEXT NOT NULL DEFAULT '',
		override_justification TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_plan_signature
		ON tasks(source_plan_hash, task_signature);
	`

	messageTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id);
	`

	workerTable := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		worker_type TEXT NOT NULL DEFAULT '',
		allowed_lanes TEXT NOT NULL DEFAULT '[]',
		last_seen INTEGER NOT NULL,
		current_task_ids TEXT NOT NULL DEFAULT '[]'
	);
	`

	ledgerTable := `
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		decision TEXT NOT NULL,
		actor TEXT NOT NULL,
		snapshot_hash TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_task ON ledger(task_id);
	`

	configTable := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	for _, ddl := range []string{taskTable, messageTable, workerTable, ledgerTable, configTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// BeginImmediate starts a write transaction. With _txlock=immediate the
// write lock is taken up front, so reap -> scan -> claim appear atomic to
// all observers.
func (s *Store) BeginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// DB exposes the underlying handle for read-only projections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMilli is the single clock used for store timestamps.
func nowMilli() int64 {
	return time.Now().UnixMilli()
}
