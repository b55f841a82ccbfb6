package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const SQLTimeLayout = "2006-01-02 15:04:05.000"

func formatTime(t time.Time) string {
	return t.UTC().Format(SQLTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(SQLTimeLayout, s, time.UTC)
}

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Performance tuning
	_, err = db.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}
	_, err = db.Exec("PRAGMA busy_timeout=5000;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &DB{conn: db}, nil
}

// Wrap adopts an existing handle, e.g. one from a test driver.
func Wrap(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		script TEXT NOT NULL,
		priority INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		status TEXT NOT NULL,
		worker_id INTEGER,
		submitted_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		success INTEGER,
		exec_time REAL,
		result_text TEXT,
		PRIMARY KEY (run_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs (submitted_at);

	CREATE TABLE IF NOT EXISTS workers (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		hostname TEXT NOT NULL,
		remote_addr TEXT,
		registered_at TEXT NOT NULL,
		alive INTEGER NOT NULL,
		PRIMARY KEY (run_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		at TEXT NOT NULL,
		type TEXT NOT NULL,
		job_id INTEGER,
		worker_id INTEGER,
		payload_json TEXT
	);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}
