package task

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"intentengine/internal/dependency"
	"intentengine/internal/ieerrors"
	"intentengine/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "intent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, "test-session")
}

func mustCreate(t *testing.T, m *Manager, in CreateInput) *Task {
	t.Helper()
	created, err := m.Create(context.Background(), in)
	require.NoError(t, err)
	return created
}

func addEdge(t *testing.T, m *Manager, blockingID, blockedID int64) {
	t.Helper()
	err := m.st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return dependency.AddEdgeTx(context.Background(), tx, blockingID, blockedID)
	})
	require.NoError(t, err)
}

func TestCreateDefaults(t *testing.T) {
	m := newTestManager(t)

	created := mustCreate(t, m, CreateInput{Name: "Auth"})
	require.Equal(t, StatusTodo, created.Status)
	require.Equal(t, "ai", created.Owner)
	require.NotNil(t, created.FirstTodoAt)
	require.Nil(t, created.FirstDoingAt)
	require.Nil(t, created.FirstDoneAt)
	require.Nil(t, created.ParentID)
}

func TestCreateRejectsEmptyNameAndBadStatus(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), CreateInput{Name: "  "})
	require.True(t, ieerrors.Is(err, ieerrors.KindInvalidArgument))

	_, err = m.Create(context.Background(), CreateInput{Name: "x", Status: "paused"})
	require.True(t, ieerrors.Is(err, ieerrors.KindUnknownStatus))
}

func TestCreateRejectsMissingParent(t *testing.T) {
	m := newTestManager(t)

	missing := int64(99)
	_, err := m.Create(context.Background(), CreateInput{Name: "orphan", ParentID: &missing})
	require.True(t, ieerrors.Is(err, ieerrors.KindTaskNotFound))
}

func TestCreateDoingTakesFocus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first := mustCreate(t, m, CreateInput{Name: "first", Status: StatusDoing})
	require.NotNil(t, first.FirstTodoAt)
	require.NotNil(t, first.FirstDoingAt)

	focus, err := m.Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, focus.ID)

	// A second doing create demotes the first back to todo.
	second := mustCreate(t, m, CreateInput{Name: "second", Status: StatusDoing})
	focus, err = m.Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, focus.ID)

	first, err = m.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTodo, first.Status)
}

func TestStartSetsFocusAndStamps(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, m, CreateInput{Name: "Auth"})
	started, err := m.Start(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDoing, started.Status)
	require.NotNil(t, started.FirstDoingAt)

	focus, err := m.Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, focus.ID)
}

func TestStartDemotesPriorFocus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m, CreateInput{Name: "a"})
	b := mustCreate(t, m, CreateInput{Name: "b"})

	_, err := m.Start(ctx, a.ID)
	require.NoError(t, err)
	_, err = m.Start(ctx, b.ID)
	require.NoError(t, err)

	a, err = m.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTodo, a.Status)

	b, err = m.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDoing, b.Status)
}

func TestLifecycleTimestampsWriteOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m, CreateInput{Name: "a"})
	b := mustCreate(t, m, CreateInput{Name: "b"})

	started, err := m.Start(ctx, a.ID)
	require.NoError(t, err)
	firstDoing := *started.FirstDoingAt

	// Bounce focus away and back; the original stamp must survive.
	_, err = m.Start(ctx, b.ID)
	require.NoError(t, err)
	restarted, err := m.Start(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, firstDoing, *restarted.FirstDoingAt)
}

func TestStartBlocked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	blocker := mustCreate(t, m, CreateInput{Name: "A"})
	blocked := mustCreate(t, m, CreateInput{Name: "B"})
	addEdge(t, m, blocker.ID, blocked.ID)

	_, err := m.Start(ctx, blocked.ID)
	e, ok := ieerrors.As(err)
	require.True(t, ok)
	require.Equal(t, ieerrors.KindBlocked, e.Kind)
	require.Equal(t, []int64{blocker.ID}, e.Details["blockers"])

	// Completing the blocker releases the blocked task.
	_, err = m.Start(ctx, blocker.ID)
	require.NoError(t, err)
	_, err = m.CompleteCurrent(ctx)
	require.NoError(t, err)

	started, err := m.Start(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDoing, started.Status)
}

func TestCompleteCurrentNoFocus(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CompleteCurrent(context.Background())
	require.True(t, ieerrors.Is(err, ieerrors.KindNoFocus))
}

func TestCompleteCurrentIncompleteChildren(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent := mustCreate(t, m, CreateInput{Name: "parent"})
	child := mustCreate(t, m, CreateInput{Name: "child", ParentID: &parent.ID})

	_, err := m.Start(ctx, parent.ID)
	require.NoError(t, err)

	_, err = m.CompleteCurrent(ctx)
	e, ok := ieerrors.As(err)
	require.True(t, ok)
	require.Equal(t, ieerrors.KindIncompleteChildren, e.Kind)
	require.Equal(t, []int64{child.ID}, e.Details["ids"])

	// No side effects: still doing, still focused.
	parent, err = m.Get(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDoing, parent.Status)
	focus, err := m.Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, parent.ID, focus.ID)
}

func TestFocusMachineEndToEnd(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	auth := mustCreate(t, m, CreateInput{Name: "Auth"})
	_, err := m.Start(ctx, auth.ID)
	require.NoError(t, err)

	jwt, err := m.SpawnSubtask(ctx, CreateInput{Name: "JWT"})
	require.NoError(t, err)
	require.Equal(t, auth.ID, *jwt.ParentID)
	require.Equal(t, StatusDoing, jwt.Status)

	focus, err := m.Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, jwt.ID, focus.ID)

	res, err := m.CompleteCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, jwt.ID, res.Task.ID)
	require.Equal(t, StatusDone, res.Task.Status)

	focus, err = m.Focus(ctx)
	require.NoError(t, err)
	require.Nil(t, focus)

	_, err = m.CompleteCurrent(ctx)
	require.True(t, ieerrors.Is(err, ieerrors.KindNoFocus))

	_, err = m.Switch(ctx, auth.ID)
	require.NoError(t, err)
	res, err = m.CompleteCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, NextWorkspaceIsClear, res.NextStepSuggestion)
	require.True(t, res.WorkspaceCleared)
}

func TestNextStepSuggestions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent := mustCreate(t, m, CreateInput{Name: "parent"})
	a := mustCreate(t, m, CreateInput{Name: "a", ParentID: &parent.ID})
	mustCreate(t, m, CreateInput{Name: "b", ParentID: &parent.ID})

	_, err := m.Start(ctx, a.ID)
	require.NoError(t, err)
	res, err := m.CompleteCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, NextSiblingTasksRemain, res.NextStepSuggestion)

	last, err := m.List(ctx, ListFilter{ParentID: ptrPtr(&parent.ID), Status: statusPtr(StatusTodo)})
	require.NoError(t, err)
	require.Len(t, last, 1)

	_, err = m.Start(ctx, last[0].ID)
	require.NoError(t, err)
	res, err = m.CompleteCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, NextParentIsReady, res.NextStepSuggestion)
}

func TestSpawnSubtaskNoFocus(t *testing.T) {
	m := newTestManager(t)

	_, err := m.SpawnSubtask(context.Background(), CreateInput{Name: "child"})
	require.True(t, ieerrors.Is(err, ieerrors.KindNoFocus))
}

func TestDeleteRefusesChildrenWithoutCascade(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent := mustCreate(t, m, CreateInput{Name: "parent"})
	mustCreate(t, m, CreateInput{Name: "child", ParentID: &parent.ID})

	err := m.Delete(ctx, parent.ID, false)
	require.True(t, ieerrors.Is(err, ieerrors.KindIncompleteChildren))
}

func TestDeleteCascadeRemovesSubtreeAndClearsFocus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent := mustCreate(t, m, CreateInput{Name: "parent"})
	child := mustCreate(t, m, CreateInput{Name: "child", ParentID: &parent.ID})
	grandchild := mustCreate(t, m, CreateInput{Name: "grandchild", ParentID: &child.ID})

	other := mustCreate(t, m, CreateInput{Name: "other"})
	addEdge(t, m, grandchild.ID, other.ID)

	_, err := m.Start(ctx, child.ID)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, parent.ID, true))

	for _, id := range []int64{parent.ID, child.ID, grandchild.ID} {
		_, err := m.Get(ctx, id)
		require.True(t, ieerrors.Is(err, ieerrors.KindTaskNotFound))
	}

	focus, err := m.Focus(ctx)
	require.NoError(t, err)
	require.Nil(t, focus)

	// The edge out of the deleted subtree went with it.
	blockers, err := dependency.BlockersOf(ctx, m.st.DB(), other.ID)
	require.NoError(t, err)
	require.Empty(t, blockers)
}

func TestUpdateMetadataMergeAndDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, m, CreateInput{Name: "x", Metadata: map[string]string{"kind": "infra", "drop": "me"}})

	updated, err := m.Update(ctx, created.ID, UpdateInput{
		MetadataSet: map[string]string{"kind": "app", "added": "yes"},
		MetadataDel: []string{"drop"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"kind": "app", "added": "yes"}, updated.Metadata)
}

func TestUpdateReparentRejectsCycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m, CreateInput{Name: "a"})
	b := mustCreate(t, m, CreateInput{Name: "b", ParentID: &a.ID})

	_, err := m.Update(ctx, a.ID, UpdateInput{ParentID: ptrPtr(&b.ID)})
	require.True(t, ieerrors.Is(err, ieerrors.KindCircularDependency))

	_, err = m.Update(ctx, a.ID, UpdateInput{ParentID: ptrPtr(&a.ID)})
	require.True(t, ieerrors.Is(err, ieerrors.KindCircularDependency))
}

func TestUpdateNoOpPreservesTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created := mustCreate(t, m, CreateInput{Name: "stable", Spec: "body"})
	updated, err := m.Update(ctx, created.ID, UpdateInput{})
	require.NoError(t, err)
	require.Equal(t, created, updated)
}

func TestPickNextPrefersFocusChildrenThenRoots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, CreateInput{Name: "root"})
	_, err := m.Start(ctx, root.ID)
	require.NoError(t, err)

	low := 3
	high := 1
	mustCreate(t, m, CreateInput{Name: "child-low", ParentID: &root.ID, Priority: &low})
	childHigh := mustCreate(t, m, CreateInput{Name: "child-high", ParentID: &root.ID, Priority: &high})

	next, err := m.PickNext(ctx)
	require.NoError(t, err)
	require.Equal(t, childHigh.ID, next.ID)

	// A blocked child is skipped even at higher priority.
	blocker := mustCreate(t, m, CreateInput{Name: "blocker"})
	addEdge(t, m, blocker.ID, childHigh.ID)
	next, err = m.PickNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "child-low", next.Name)
}

func TestPickNextFallsBackToRoots(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m, CreateInput{Name: "a"})
	mustCreate(t, m, CreateInput{Name: "b"})

	next, err := m.PickNext(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID, next.ID)
}

func TestPickNextEmptyWorkspace(t *testing.T) {
	m := newTestManager(t)

	next, err := m.PickNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestListFilters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, CreateInput{Name: "root"})
	mustCreate(t, m, CreateInput{Name: "child", ParentID: &root.ID, Owner: "human"})

	byOwner, err := m.List(ctx, ListFilter{Owner: strPtr("human")})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	require.Equal(t, "child", byOwner[0].Name)

	roots, err := m.List(ctx, ListFilter{ParentID: ptrPtr(nil)})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "root", roots[0].Name)
}

func TestGetWithContext(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, CreateInput{Name: "root"})
	mid := mustCreate(t, m, CreateInput{Name: "mid", ParentID: &root.ID})
	sibling := mustCreate(t, m, CreateInput{Name: "sibling", ParentID: &root.ID})
	leaf := mustCreate(t, m, CreateInput{Name: "leaf", ParentID: &mid.ID})
	grandleaf := mustCreate(t, m, CreateInput{Name: "grandleaf", ParentID: &leaf.ID})

	got, c, err := m.GetWithContext(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, mid.ID, got.ID)
	require.Len(t, c.Ancestors, 1)
	require.Equal(t, root.ID, c.Ancestors[0].ID)
	require.Len(t, c.Siblings, 1)
	require.Equal(t, sibling.ID, c.Siblings[0].ID)

	// Descendants cover the whole subtree, not just direct children.
	var descendantIDs []int64
	for _, d := range c.Descendants {
		descendantIDs = append(descendantIDs, d.ID)
	}
	require.ElementsMatch(t, []int64{leaf.ID, grandleaf.ID}, descendantIDs)
}

func TestBuildTree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	root := mustCreate(t, m, CreateInput{Name: "root"})
	child := mustCreate(t, m, CreateInput{Name: "child", ParentID: &root.ID})
	mustCreate(t, m, CreateInput{Name: "grandchild", ParentID: &child.ID})
	mustCreate(t, m, CreateInput{Name: "second root"})

	all, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)

	forest := BuildTree(all)
	require.Len(t, forest, 2)
	require.Equal(t, "root", forest[0].Name)
	require.Len(t, forest[0].Children, 1)
	require.Len(t, forest[0].Children[0].Children, 1)
	require.Equal(t, "grandchild", forest[0].Children[0].Children[0].Name)

	// A filtered list keeps orphaned children visible as roots.
	children, err := m.List(ctx, ListFilter{ParentID: ptrPtr(&root.ID)})
	require.NoError(t, err)
	partial := BuildTree(children)
	require.Len(t, partial, 1)
	require.Equal(t, "child", partial[0].Name)
}

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }
