// Package store provides the embedded SQLite store for fieldsync.
//
// The store holds one table per synchronized entity plus the sync
// bookkeeping tables: sync_mutations (the durable outbox), sync_cursors
// (per-entity delta cursors) and attachment_queue (binary upload queue).
//
// The database runs in WAL mode for concurrent reads during the sync
// worker's writes. All writes are single-row upserts or transactions
// scoped to one pulled page / pushed batch, so no global lock is needed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with fieldsync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// The outbox and attachment queue run their queries through this handle.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the entity tables, the mutation outbox, the cursor table
// and the attachment queue. Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Entity tables. Every synchronized table carries synced_at: the time
	-- of the last confirmed server state for that row (NULL = never synced).
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'SCHEDULED',
		priority INTEGER NOT NULL DEFAULT 2,
		assigned_to TEXT,
		customer_name TEXT,
		address TEXT,
		notes TEXT,
		scheduled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT
	);

	-- Read-only reference catalog, fully replaced from the server.
	CREATE TABLE IF NOT EXISTS service_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS checklist_instances (
		id TEXT PRIMARY KEY,
		work_order_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS checklist_questions (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		text TEXT NOT NULL,
		answer_type TEXT NOT NULL DEFAULT 'text',
		required INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS checklist_answers (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		value TEXT,
		answered_at TEXT,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		sync_error TEXT,
		UNIQUE (instance_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		mime_type TEXT,
		file_size INTEGER NOT NULL DEFAULT 0,
		local_path TEXT,
		remote_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT
	);

	-- Durable mutation outbox. status: pending|syncing|failed|synced.
	-- Synced rows are pruned, not tombstoned.
	CREATE TABLE IF NOT EXISTS sync_mutations (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		next_attempt_at TEXT
	);

	-- Per-entity delta cursor. Only written after a full page commit.
	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity TEXT PRIMARY KEY,
		cursor_value TEXT NOT NULL,
		last_server_time TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachment_queue (
		id TEXT PRIMARY KEY,
		attachment_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT,
		created_at TEXT NOT NULL,
		uploaded_at TEXT
	);

	-- Indexes for sync queries
	CREATE INDEX IF NOT EXISTS idx_work_orders_status ON work_orders(status);
	CREATE INDEX IF NOT EXISTS idx_work_orders_updated ON work_orders(updated_at);
	CREATE INDEX IF NOT EXISTS idx_instances_work_order ON checklist_instances(work_order_id);
	CREATE INDEX IF NOT EXISTS idx_questions_template ON checklist_questions(template_id);
	CREATE INDEX IF NOT EXISTS idx_answers_instance ON checklist_answers(instance_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_entity ON attachments(entity, entity_id);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON sync_mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON sync_mutations(entity, entity_id);
	CREATE INDEX IF NOT EXISTS idx_mutations_drain
	    ON sync_mutations(entity, status, created_at);

	CREATE INDEX IF NOT EXISTS idx_attachment_queue_pick
	    ON attachment_queue(status, priority, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction is rolled back if
// fn returns an error, committed otherwise. Used to scope pull-page and
// push-batch application.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
