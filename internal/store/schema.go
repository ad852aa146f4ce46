package store

// schema is applied on every open; every statement is idempotent
// (CREATE TABLE/INDEX/TRIGGER IF NOT EXISTS) so re-running it against
// an already-migrated database is a no-op.
//
// Building with mattn/go-sqlite3 requires the `sqlite_fts5` build tag
// to enable the FTS5 virtual tables used by the search index.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL,
	spec           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'todo' CHECK (status IN ('todo','doing','done')),
	priority       INTEGER CHECK (priority IS NULL OR (priority >= 1 AND priority <= 4)),
	complexity     INTEGER,
	parent_id      INTEGER REFERENCES tasks(id),
	active_form    TEXT,
	owner          TEXT NOT NULL DEFAULT 'ai',
	metadata       TEXT NOT NULL DEFAULT '{}',
	first_todo_at  DATETIME,
	first_doing_at DATETIME,
	first_done_at  DATETIME,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner);
CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	log_type   TEXT NOT NULL CHECK (log_type IN ('decision','blocker','milestone','note')),
	body       TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(log_type);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS dependencies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	blocking_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	blocked_id  INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK (blocking_id <> blocked_id),
	UNIQUE (blocking_id, blocked_id)
);

CREATE INDEX IF NOT EXISTS idx_deps_blocking ON dependencies(blocking_id);
CREATE INDEX IF NOT EXISTS idx_deps_blocked ON dependencies(blocked_id);

CREATE TABLE IF NOT EXISTS workspace_state (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS task_fts USING fts5(
	name, spec,
	content='tasks', content_rowid='id'
);

CREATE VIRTUAL TABLE IF NOT EXISTS event_fts USING fts5(
	body,
	content='events', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS tasks_ai AFTER INSERT ON tasks BEGIN
	INSERT INTO task_fts(rowid, name, spec) VALUES (new.id, new.name, new.spec);
END;

CREATE TRIGGER IF NOT EXISTS tasks_ad AFTER DELETE ON tasks BEGIN
	INSERT INTO task_fts(task_fts, rowid, name, spec) VALUES ('delete', old.id, old.name, old.spec);
END;

CREATE TRIGGER IF NOT EXISTS tasks_au AFTER UPDATE ON tasks BEGIN
	INSERT INTO task_fts(task_fts, rowid, name, spec) VALUES ('delete', old.id, old.name, old.spec);
	INSERT INTO task_fts(rowid, name, spec) VALUES (new.id, new.name, new.spec);
END;

CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
	INSERT INTO event_fts(rowid, body) VALUES (new.id, new.body);
END;

CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
	INSERT INTO event_fts(event_fts, rowid, body) VALUES ('delete', old.id, old.body);
END;
`

// CurrentSchemaVersion is recorded in workspace_state so that future
// migrations know what's already applied. Bump and add a migration to
// pendingMigrations (migrations.go) rather than editing schema above
// once a database may already exist in the field.
const CurrentSchemaVersion = 1
