package store

import (
	"database/sql"
	"fmt"

	"intentengine/internal/logging"
)

// migration defines an additive column migration: add Column to Table
// with Def if it isn't already present. PRAGMA table_info is checked
// before ALTER TABLE so re-running a migration is a no-op.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations is empty at v1; future schema growth appends here
// instead of editing the CREATE TABLE statements in schema.go, so that
// already-deployed databases pick up new columns additively.
var pendingMigrations []migration

// runMigrations applies the base schema and any pending additive
// migrations, then stamps the schema version into workspace_state.
func runMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying base schema: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
		logging.StoreDebug("migration applied: %s.%s", m.Table, m.Column)
	}

	if err := setWorkspaceValue(db, "schema_version", fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("stamping schema version: %w", err)
	}

	logging.Store("migrations complete: %d applied, schema_version=%d", applied, CurrentSchemaVersion)
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	row := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
	var name string
	return row.Scan(&name) == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func setWorkspaceValue(db *sql.DB, key, value string) error {
	_, err := db.Exec(`INSERT INTO workspace_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
