package event

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intentengine/internal/ieerrors"
	"intentengine/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "intent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, "sess-1"), st
}

func insertTask(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	res, err := st.DB().Exec("INSERT INTO tasks (name) VALUES (?)", name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestAddAndGet(t *testing.T) {
	m, st := newTestManager(t)
	taskID := insertTask(t, st, "Auth")

	ev, err := m.Add(context.Background(), &taskID, TypeDecision, "chose JWT")
	require.NoError(t, err)
	require.Equal(t, taskID, ev.TaskID)
	require.Equal(t, TypeDecision, ev.Type)
	require.Equal(t, "chose JWT", ev.Body)
	require.Equal(t, "sess-1", ev.SessionID)
	require.False(t, ev.CreatedAt.IsZero())

	got, err := m.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestAddRejectsUnknownType(t *testing.T) {
	m, st := newTestManager(t)
	taskID := insertTask(t, st, "Auth")

	_, err := m.Add(context.Background(), &taskID, "gossip", "x")
	require.True(t, ieerrors.Is(err, ieerrors.KindUnknownEventType))
}

func TestAddDefaultsToFocusedTask(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, nil, TypeNote, "nothing focused")
	require.True(t, ieerrors.Is(err, ieerrors.KindNoFocus))

	taskID := insertTask(t, st, "focused")
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetWorkspaceValueTx(tx, "current_task_id", "1")
	})
	require.NoError(t, err)

	ev, err := m.Add(ctx, nil, TypeNote, "now focused")
	require.NoError(t, err)
	require.Equal(t, taskID, ev.TaskID)
}

func TestAddRejectsMissingTask(t *testing.T) {
	m, _ := newTestManager(t)

	missing := int64(42)
	_, err := m.Add(context.Background(), &missing, TypeNote, "x")
	require.True(t, ieerrors.Is(err, ieerrors.KindTaskNotFound))
}

func TestListNewestFirstWithFilters(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	a := insertTask(t, st, "a")
	b := insertTask(t, st, "b")

	_, err := m.Add(ctx, &a, TypeNote, "first")
	require.NoError(t, err)
	_, err = m.Add(ctx, &a, TypeBlocker, "second")
	require.NoError(t, err)
	_, err = m.Add(ctx, &b, TypeNote, "other task")
	require.NoError(t, err)

	all, err := m.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "other task", all[0].Body)

	onlyA, err := m.List(ctx, &a, 0, 0)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	require.Equal(t, "second", onlyA[0].Body)

	limited, err := m.List(ctx, nil, 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestListSinceWindow(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	a := insertTask(t, st, "a")

	_, err := m.Add(ctx, &a, TypeNote, "recent")
	require.NoError(t, err)
	_, err = st.DB().Exec(
		"INSERT INTO events (task_id, log_type, body, created_at) VALUES (?, 'note', 'ancient', datetime('now', '-3 days'))", a)
	require.NoError(t, err)

	within, err := m.List(ctx, &a, 24*time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, within, 1)
	require.Equal(t, "recent", within[0].Body)
}

func TestParseSinceDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"30s": 30 * time.Second,
		"15m": 15 * time.Minute,
		"2h":  2 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseSinceDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"5", "h", "5w", "-2h", "2 h"} {
		_, err := ParseSinceDuration(bad)
		require.True(t, ieerrors.Is(err, ieerrors.KindInvalidArgument), bad)
	}
}
