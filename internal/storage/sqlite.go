package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite metadata database: catalog, export jobs and run history.
type DB struct {
	conn    *sql.DB
	dataDir string // root directory for local blobs and CSV drops
}

// New creates a new DB, opening (or creating) the SQLite file at dbPath.
// dataDir is the root directory for local files.
func New(dbPath, dataDir string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer, limit to single connection to prevent SQLITE_BUSY
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, dataDir: dataDir}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DataDir returns the root data directory.
func (db *DB) DataDir() string {
	return db.dataDir
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			verbose_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS instruments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			form_name TEXT NOT NULL,
			related_project TEXT NOT NULL REFERENCES projects(name),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(form_name, related_project)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instruments_project ON instruments(related_project)`,
		`CREATE TABLE IF NOT EXISTS export_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			file_name TEXT NOT NULL,
			requester TEXT NOT NULL DEFAULT '',
			emails_json TEXT NOT NULL DEFAULT '[]',
			format TEXT NOT NULL DEFAULT 'csv',
			models_json TEXT NOT NULL DEFAULT '[]',
			fields_json TEXT NOT NULL DEFAULT '[]',
			record_ids_json TEXT NOT NULL DEFAULT '[]',
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_minutes REAL NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			file_key TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			warnings_json TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_jobs_started ON export_jobs(started_at)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			rows_read INTEGER NOT NULL DEFAULT 0,
			rows_written INTEGER NOT NULL DEFAULT 0,
			warnings_json TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_kind_name ON job_runs(kind, name)`,
		// Requester column was added after the first release.
		`ALTER TABLE export_jobs ADD COLUMN requester TEXT NOT NULL DEFAULT ''`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			// ALTER TABLE fails if column already exists, safe to ignore
			if strings.Contains(m, "ALTER TABLE") && strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %s: %w", m[:40], err)
		}
	}

	return nil
}
