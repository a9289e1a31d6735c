package db

import (
	"database/sql"
	"fmt"
)

// migration is one idempotent forward step, applied in order and recorded
// in the migrations table so repeated opens of the same database are
// no-ops ("idempotent migrations keyed by an integer version").
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "events", `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key  TEXT NOT NULL,
	type         TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	data_json    TEXT NOT NULL,
	UNIQUE(project_key, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(project_key, type);
`},
	{2, "agents", `
CREATE TABLE IF NOT EXISTS agents (
	project_key      TEXT NOT NULL,
	name             TEXT NOT NULL,
	program          TEXT,
	model            TEXT,
	task_description TEXT,
	registered_at    INTEGER NOT NULL,
	last_active_at   INTEGER NOT NULL,
	PRIMARY KEY (project_key, name)
);
`},
	{3, "messages", `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key TEXT NOT NULL,
	from_agent  TEXT NOT NULL,
	subject     TEXT NOT NULL,
	body        TEXT NOT NULL,
	thread_id   TEXT,
	importance  TEXT NOT NULL DEFAULT 'normal',
	ack_required INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_project_thread ON messages(project_key, thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_project_created ON messages(project_key, created_at);

CREATE TABLE IF NOT EXISTS message_recipients (
	message_id INTEGER NOT NULL REFERENCES messages(id),
	agent      TEXT NOT NULL,
	read_at    INTEGER,
	acked_at   INTEGER,
	PRIMARY KEY (message_id, agent)
);
CREATE INDEX IF NOT EXISTS idx_recipients_agent ON message_recipients(agent, message_id);

CREATE TABLE IF NOT EXISTS threads (
	project_key TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	PRIMARY KEY (project_key, thread_id)
);
`},
	{4, "reservations", `
CREATE TABLE IF NOT EXISTS reservations (
	id                   TEXT PRIMARY KEY,
	project_key          TEXT NOT NULL,
	agent                TEXT NOT NULL,
	patterns_json        TEXT NOT NULL,
	exclusive            INTEGER NOT NULL DEFAULT 1,
	reason               TEXT,
	reserved_at          INTEGER NOT NULL,
	expires_at           INTEGER NOT NULL,
	released_at          INTEGER,
	reservation_event_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reservations_project_active ON reservations(project_key, released_at, expires_at);
`},
	{5, "cells", `
CREATE TABLE IF NOT EXISTS cells (
	id           TEXT NOT NULL,
	project_key  TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT,
	status       TEXT NOT NULL DEFAULT 'open',
	priority     INTEGER NOT NULL DEFAULT 0,
	issue_type   TEXT NOT NULL DEFAULT 'task',
	parent_id    TEXT,
	assignee     TEXT,
	files_json   TEXT,
	is_blocked   INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	closed_at    INTEGER,
	deleted_at   INTEGER,
	metadata_json TEXT,
	content_hash TEXT,
	PRIMARY KEY (project_key, id)
);
CREATE INDEX IF NOT EXISTS idx_cells_project_status ON cells(project_key, status);
CREATE INDEX IF NOT EXISTS idx_cells_project_parent ON cells(project_key, parent_id);

CREATE TABLE IF NOT EXISTS cell_dependencies (
	project_key  TEXT NOT NULL,
	from_cell    TEXT NOT NULL,
	to_cell      TEXT NOT NULL,
	relationship TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (project_key, from_cell, to_cell, relationship)
);
CREATE INDEX IF NOT EXISTS idx_deps_to ON cell_dependencies(project_key, to_cell);

CREATE TABLE IF NOT EXISTS cell_labels (
	project_key TEXT NOT NULL,
	cell_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	PRIMARY KEY (project_key, cell_id, name)
);

CREATE TABLE IF NOT EXISTS cell_comments (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key TEXT NOT NULL,
	cell_id     TEXT NOT NULL,
	author      TEXT NOT NULL,
	body        TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_cell ON cell_comments(project_key, cell_id);
`},
	{6, "memories", `
CREATE TABLE IF NOT EXISTS memories (
	id            TEXT PRIMARY KEY,
	project_key   TEXT NOT NULL,
	content       TEXT NOT NULL,
	collection    TEXT NOT NULL DEFAULT 'default',
	metadata_json TEXT,
	tags_json     TEXT,
	auto_tags_json TEXT,
	embedding     BLOB,
	confidence    REAL NOT NULL DEFAULT 1.0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	valid_from    INTEGER,
	valid_until   INTEGER,
	superseded_by TEXT,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_memories_project_collection ON memories(project_key, collection);
CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(project_key, superseded_by);

CREATE TABLE IF NOT EXISTS memory_links (
	project_key TEXT NOT NULL,
	source      TEXT NOT NULL,
	target      TEXT NOT NULL,
	link_type   TEXT NOT NULL,
	strength    REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (project_key, source, target, link_type)
);

CREATE TABLE IF NOT EXISTS entities (
	id          TEXT NOT NULL,
	project_key TEXT NOT NULL,
	name        TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	PRIMARY KEY (project_key, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(project_key, name);

CREATE TABLE IF NOT EXISTS relationships (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key    TEXT NOT NULL,
	subject_entity TEXT NOT NULL,
	predicate      TEXT NOT NULL,
	object_entity  TEXT NOT NULL,
	confidence     REAL NOT NULL DEFAULT 1.0,
	memory_id      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rel_subject ON relationships(project_key, subject_entity);

CREATE TABLE IF NOT EXISTS memory_entities (
	project_key TEXT NOT NULL,
	memory_id   TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	PRIMARY KEY (project_key, memory_id, entity_id)
);
`},
	{7, "fts", `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject, body, content='messages', content_rowid='id'
);
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content, content='memories', content_rowid='rowid'
);
`},
	{8, "ratelimit", `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	project_key   TEXT NOT NULL,
	agent         TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	tokens        REAL NOT NULL,
	last_refill_ms INTEGER NOT NULL,
	PRIMARY KEY (project_key, agent, endpoint)
);
`},
}

// Migrate applies every migration not yet recorded in the migrations
// table, in version order, inside its own transaction.
func Migrate(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := conn.Query(`SELECT version FROM migrations`)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations(version, name, applied_at) VALUES (?, ?, strftime('%s','now')*1000)`, m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
