// Package db provides the embedded SQLite storage behind the tree mirror and
// the index queue.
//
// The database runs in embedded mode (ncruces/go-sqlite3, WAL journal) and
// holds three tables:
//   - projects: registered roots
//   - nodes: one row per mirrored file or directory, unique on (project_id, relative_path)
//   - queue_entries: indexing work, at most one pending/processing row per node
//
// Every operation is available on both *DB and *Tx. Operations that issue more
// than one statement open their own transaction when called on *DB and join the
// caller's transaction when called on *Tx, so a whole sync apply step can be
// committed as one unit:
//
//	err := database.InTx(ctx, func(tx *db.Tx) error {
//	    node, err := tx.GetOrCreate(ctx, projectID, "src/a.txt", false, &db.FileMeta{Size: 10})
//	    if err != nil {
//	        return err
//	    }
//	    _, _, err = tx.Enqueue(ctx, node.ID, "/abs/src/a.txt")
//	    return err
//	})
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout is fixed-width so that stored timestamps sort lexicographically,
// which the FIFO claim query relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is the subset of *sql.DB and *sql.Tx used by operations.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries the statement target and clock shared by DB and Tx.
type ops struct {
	q     querier
	clock func() time.Time

	// conn is set only outside a transaction; atomic uses it to open one.
	conn *sql.DB
}

func (o *ops) now() time.Time {
	return o.clock().UTC()
}

// atomic runs fn inside a transaction, reusing the current one if any.
func (o *ops) atomic(ctx context.Context, fn func(o *ops) error) error {
	if o.conn == nil {
		return fn(o)
	}

	tx, err := o.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&ops{q: tx, clock: o.clock}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DB wraps the SQLite connection pool.
type DB struct {
	ops
	path string
}

// Tx is a database transaction exposing the same operations as DB.
type Tx struct {
	ops
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL for concurrent reads. Write transactions
// take the write lock up front (BEGIN IMMEDIATE) and wait up to five seconds
// for it, so concurrent claimers serialize instead of failing with SQLITE_BUSY.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// rather than a one-off PRAGMA that would only reach one pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
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

	db := &DB{
		ops:  ops{q: conn, clock: time.Now, conn: conn},
		path: path,
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// SetClock replaces the time source used for stored timestamps.
// Tests use it to produce deterministic enqueue ordering.
func (db *DB) SetClock(clock func() time.Time) {
	db.clock = clock
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InTx runs fn in a single transaction. The transaction is committed if fn
// returns nil and rolled back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return db.atomic(ctx, func(o *ops) error {
		return fn(&Tx{ops: *o})
	})
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		root_path TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		last_synced_at TEXT
	);

	-- AUTOINCREMENT keeps node ids from being reused after deletes
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		parent_id INTEGER,
		name TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		is_directory INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER,
		extension TEXT,
		content_hash TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		indexed_at TEXT,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (parent_id) REFERENCES nodes(id)
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		error_message TEXT,
		requeue INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_project_path
	    ON nodes(project_id, relative_path);
	CREATE INDEX IF NOT EXISTS idx_nodes_project_parent
	    ON nodes(project_id, parent_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);

	-- One active entry per node
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_node
	    ON queue_entries(node_id) WHERE status IN ('pending', 'processing');
	CREATE INDEX IF NOT EXISTS idx_queue_status_created
	    ON queue_entries(status, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_queue_project ON queue_entries(project_id);
	CREATE INDEX IF NOT EXISTS idx_queue_node ON queue_entries(node_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back for rows written by hand or older tools.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// projectFilter appends an optional project_id condition.
func projectFilter(conditions []string, args []any, projectID *int64) ([]string, []any) {
	if projectID != nil {
		conditions = append(conditions, "project_id = ?")
		args = append(args, *projectID)
	}
	return conditions, args
}
