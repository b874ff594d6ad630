// Package store persists threads, jobs, event logs, approvals, and push
// devices in an embedded SQLite database. Writes go through a single
// connection; list and snapshot paths read from a small read-only pool.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// writerDSNParams enables WAL mode and foreign keys on the single
	// writer connection.
	writerDSNParams = "?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared"
	// readerDSNParams opens additional read-only connections against the
	// same WAL database.
	readerDSNParams = "?_foreign_keys=on&_mode=ro&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared"

	readerPoolSize = 4
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sqlx.DB // writer, max one open conn
	ro *sqlx.DB // read-only pool
}

// Open opens (creating if necessary) the database at path and initializes
// the schema. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	// Create the file up front so the read-only pool can open it.
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close database file: %w", err)
	}

	writer, err := sqlx.Open("sqlite3", "file:"+abs+writerDSNParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// between our own writers.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	reader, err := sqlx.Open("sqlite3", "file:"+abs+readerDSNParams)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(readerPoolSize)
	reader.SetMaxIdleConns(readerPoolSize)
	if err := reader.Ping(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("ping read-only database: %w", err)
	}

	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

// initSchema creates the tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		preview TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		approval_policy TEXT NOT NULL DEFAULT '',
		sandbox TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		pending_approvals INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'QUEUED',
		turn_id TEXT NOT NULL DEFAULT '',
		next_seq INTEGER NOT NULL DEFAULT 0,
		pending_approvals INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_thread_id ON jobs(thread_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_thread_state ON jobs(thread_id, state);

	CREATE TABLE IF NOT EXISTS events (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		thread_id TEXT NOT NULL,
		type TEXT NOT NULL,
		ts TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (job_id, seq),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_thread ON events(thread_id, job_id, seq);

	CREATE TABLE IF NOT EXISTS thread_events (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		ts TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		turn_id TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		request_id INTEGER NOT NULL DEFAULT 0,
		decision TEXT,
		decided_at TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_job_id ON approvals(job_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_job_open ON approvals(job_id, decision);

	CREATE TABLE IF NOT EXISTS devices (
		token TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		bundle TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		thread_scope TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
