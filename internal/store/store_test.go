package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"intentengine/internal/ieerrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "intent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	st := openTestStore(t)

	version, found, err := GetWorkspaceValue(st.DB(), "schema_version")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.db")

	st, err := Open(path)
	require.NoError(t, err)
	_, err = st.DB().Exec("INSERT INTO tasks (name) VALUES ('survives reopen')")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()

	var count int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	st := openTestStore(t)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO tasks (name) VALUES ('committed')")
		return err
	})
	require.NoError(t, err)

	var name string
	require.NoError(t, st.DB().QueryRow("SELECT name FROM tasks").Scan(&name))
	require.Equal(t, "committed", name)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	boom := errors.New("boom")

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO tasks (name) VALUES ('doomed')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count))
	require.Zero(t, count)
}

func TestForeignKeysEnforced(t *testing.T) {
	st := openTestStore(t)

	_, err := st.DB().Exec("INSERT INTO events (task_id, log_type, body) VALUES (999, 'note', 'orphan')")
	require.Error(t, err)
}

func TestDependencySelfEdgeRejectedBySchema(t *testing.T) {
	st := openTestStore(t)

	_, err := st.DB().Exec("INSERT INTO tasks (name) VALUES ('a')")
	require.NoError(t, err)
	_, err = st.DB().Exec("INSERT INTO dependencies (blocking_id, blocked_id) VALUES (1, 1)")
	require.Error(t, err)
}

func TestWorkspaceValueRoundTrip(t *testing.T) {
	st := openTestStore(t)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return SetWorkspaceValueTx(tx, "current_task_id", "42")
	})
	require.NoError(t, err)

	value, found, err := GetWorkspaceValue(st.DB(), "current_task_id")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "42", value)

	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return DeleteWorkspaceValueTx(tx, "current_task_id")
	})
	require.NoError(t, err)

	_, found, err = GetWorkspaceValue(st.DB(), "current_task_id")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClassifyCommitError(t *testing.T) {
	err := classifyCommitError(errors.New("UNIQUE constraint failed: dependencies.blocking_id"))
	require.True(t, ieerrors.Is(err, ieerrors.KindIntegrityViolation))

	err = classifyCommitError(errors.New("disk I/O error"))
	require.True(t, ieerrors.Is(err, ieerrors.KindStoreUnavailable))
}

func TestSearchIndexTriggersStayInSync(t *testing.T) {
	st := openTestStore(t)
	db := st.DB()

	_, err := db.Exec("INSERT INTO tasks (name, spec) VALUES ('Auth', 'implement login')")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO events (task_id, log_type, body) VALUES (1, 'decision', 'chose sessions')")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_fts WHERE task_fts MATCH 'login'").Scan(&n))
	require.Equal(t, 1, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM event_fts WHERE event_fts MATCH 'sessions'").Scan(&n))
	require.Equal(t, 1, n)

	_, err = db.Exec("UPDATE tasks SET spec = 'implement signup' WHERE id = 1")
	require.NoError(t, err)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_fts WHERE task_fts MATCH 'login'").Scan(&n))
	require.Zero(t, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_fts WHERE task_fts MATCH 'signup'").Scan(&n))
	require.Equal(t, 1, n)

	// Deleting the task cascades the event, and both index rows go too.
	_, err = db.Exec("DELETE FROM tasks WHERE id = 1")
	require.NoError(t, err)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM task_fts WHERE task_fts MATCH 'signup'").Scan(&n))
	require.Zero(t, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM event_fts WHERE event_fts MATCH 'sessions'").Scan(&n))
	require.Zero(t, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n))
	require.Zero(t, n)
}
