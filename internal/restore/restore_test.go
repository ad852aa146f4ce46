package restore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"intentengine/internal/dependency"
	"intentengine/internal/event"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

func newTestRestorer(t *testing.T) (*Restorer, *task.Manager, *event.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "intent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, "sess"), task.New(st, "sess"), event.New(st, "sess"), st
}

func TestSnapshotNoFocus(t *testing.T) {
	r, tasks, _, _ := newTestRestorer(t)
	ctx := context.Background()

	_, err := tasks.Create(ctx, task.CreateInput{Name: "idle"})
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, StatusNoFocus, snap.Status)
	require.Nil(t, snap.Focused)
	require.Equal(t, 1, snap.TaskCounts["todo"])
	require.NotEmpty(t, snap.Suggestions)
}

func TestSnapshotFocusedTask(t *testing.T) {
	r, tasks, events, _ := newTestRestorer(t)
	ctx := context.Background()

	longSpec := strings.Repeat("x", 150)
	parent, err := tasks.Create(ctx, task.CreateInput{Name: "parent"})
	require.NoError(t, err)
	focusTask, err := tasks.Create(ctx, task.CreateInput{Name: "focus", Spec: longSpec, ParentID: &parent.ID})
	require.NoError(t, err)
	doneSibling, err := tasks.Create(ctx, task.CreateInput{Name: "done-sibling", ParentID: &parent.ID})
	require.NoError(t, err)
	_, err = tasks.Create(ctx, task.CreateInput{Name: "open-child", ParentID: &focusTask.ID})
	require.NoError(t, err)

	_, err = tasks.Start(ctx, doneSibling.ID)
	require.NoError(t, err)
	_, err = tasks.CompleteCurrent(ctx)
	require.NoError(t, err)

	_, err = tasks.Start(ctx, focusTask.ID)
	require.NoError(t, err)
	for _, body := range []string{"one", "two", "three", "four"} {
		_, err = events.Add(ctx, &focusTask.ID, event.TypeNote, body)
		require.NoError(t, err)
	}

	snap, err := r.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, snap.Status)
	require.Equal(t, focusTask.ID, snap.Focused.ID)
	require.Len(t, snap.SpecPreview, 103)
	require.True(t, strings.HasSuffix(snap.SpecPreview, "..."))
	require.Equal(t, parent.ID, snap.Parent.ID)
	require.Equal(t, "parent", snap.Parent.Name)
	require.Equal(t, 1, snap.SiblingCounts["done"])
	require.Len(t, snap.RecentDoneSiblings, 1)
	require.Equal(t, 1, snap.ChildCounts["todo"])
	require.Len(t, snap.OpenChildren, 1)
	require.Len(t, snap.RecentEvents, 3)
	require.Equal(t, "four", snap.RecentEvents[0].Body)
	require.NotEmpty(t, snap.Suggestions)
}

func TestSnapshotSuggestsBlockerWhenBlocked(t *testing.T) {
	r, tasks, _, st := newTestRestorer(t)
	ctx := context.Background()

	focusTask, err := tasks.Create(ctx, task.CreateInput{Name: "focus"})
	require.NoError(t, err)
	_, err = tasks.Start(ctx, focusTask.ID)
	require.NoError(t, err)

	blocker, err := tasks.Create(ctx, task.CreateInput{Name: "blocker"})
	require.NoError(t, err)
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return dependency.AddEdgeTx(ctx, tx, blocker.ID, focusTask.ID)
	})
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snap.Suggestions, 1)
	require.Contains(t, snap.Suggestions[0], "blocked by")
}

func TestSnapshotSuggestsDoneWhenNoOpenChildren(t *testing.T) {
	r, tasks, _, _ := newTestRestorer(t)
	ctx := context.Background()

	focusTask, err := tasks.Create(ctx, task.CreateInput{Name: "focus"})
	require.NoError(t, err)
	_, err = tasks.Start(ctx, focusTask.ID)
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, snap.Suggestions, "ie task done")
}
