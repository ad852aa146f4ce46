// Package store wraps the embedded, single-file SQLite database
// holding tasks, events, dependencies, workspace state, and the
// full-text index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
)

// Store wraps the SQLite connection. Only one is expected per process
// for the CLI (short-lived); the Dashboard Service holds one for its
// whole lifetime. Callers pass a *Store explicitly rather than
// reaching for a package global.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes (or re-opens) the SQLite database at path, applying
// WAL mode, a 5s busy timeout, and foreign key enforcement, then runs
// schema migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "create state directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_fk=true")
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", p, err)
		}
	}

	s := &Store{db: db, dbPath: path}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "run migrations", err)
	}

	logging.Store("store opened at %s", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB returns the underlying *sql.DB for components that need raw
// access (task, event, search, restore). Callers must still respect the Store's
// transaction discipline: one logical operation, one transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction and commits on success,
// rolling back on any error (including a panic, which it re-raises
// after rollback). This is the sole entry point mutating components
// use, so every logical operation lands as one atomic transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreDebug("rollback failed: %v", rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return classifyCommitError(err)
	}
	return nil
}

// classifyCommitError maps sqlite constraint failures to IntegrityViolation
// and anything else to StoreUnavailable.
func classifyCommitError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if containsAny(msg, "constraint", "UNIQUE", "FOREIGN KEY", "CHECK") {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "commit failed", err)
	}
	return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "commit failed", err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// GetWorkspaceValue reads a key from workspace_state.
func GetWorkspaceValue(db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRow("SELECT value FROM workspace_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading workspace_state[%s]: %w", key, err)
	}
	return value, true, nil
}

// SetWorkspaceValueTx writes a key into workspace_state within tx.
func SetWorkspaceValueTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO workspace_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeleteWorkspaceValueTx removes a key from workspace_state within tx.
func DeleteWorkspaceValueTx(tx *sql.Tx, key string) error {
	_, err := tx.Exec("DELETE FROM workspace_state WHERE key = ?", key)
	return err
}
