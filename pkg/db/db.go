// Package db manages the shared SQLite persistence layer for the
// coordination substrate: one database per project, in WAL mode, shared by
// the EventStore, Mail, Hive and Memory subsystems.
//
// SQLite in WAL mode stands in for an in-process broadcast bus:
// concurrent callers read and write a shared database file instead of
// passing messages through memory. The database IS the communication
// channel.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a single project's SQLite connection pool plus the per-project
// write lock required by EventStore.Append ("Locking").
type DB struct {
	Conn *sql.DB

	mu sync.Mutex // per-project write lock; short-lived, never held across external I/O
}

// Open opens (or creates) the database for projectKey under stateDir,
// creating the project-scoped subdirectory and running migrations.
// Path layout: <stateDir>/<sha256(projectKey)[0:12]>/project.db, per
//
func Open(stateDir, projectKey string) (*DB, error) {
	dir := filepath.Join(stateDir, ProjectDigest(projectKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "project.db")

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(30 * time.Minute)

	d := &DB{Conn: conn}
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.Conn.Close() }

// WithProjectLock runs fn while holding the per-project write lock. Used
// by EventStore.Append to serialize sequence assignment; must never wrap
// external I/O (embedder/analyzer calls)
func (d *DB) WithProjectLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

// ProjectDigest returns the first 12 hex chars of sha256(projectKey), the
// deterministic per-project directory name.
func ProjectDigest(projectKey string) string {
	sum := sha256.Sum256([]byte(projectKey))
	return hex.EncodeToString(sum[:])[:12]
}
