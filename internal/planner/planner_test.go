package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"intentengine/internal/ieerrors"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "intent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestApplyCreatesTreeAndEdges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	plan := Plan{Tasks: []*Node{{
		Name: "Root",
		Children: []*Node{
			{Name: "Leaf", DependsOn: []string{"Root"}},
		},
	}}}

	result, err := Apply(ctx, st, "sess", plan)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Root", "Leaf"}, result.Created)
	require.Empty(t, result.Updated)

	tasks := task.New(st, "sess")
	leaf, err := tasks.Get(ctx, result.NameToID["Leaf"])
	require.NoError(t, err)
	require.Equal(t, result.NameToID["Root"], *leaf.ParentID)

	var count int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM dependencies").Scan(&count))
	require.Equal(t, 1, count)
}

func TestApplyIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	plan := Plan{Tasks: []*Node{{
		Name: "Root",
		Spec: "root spec",
		Children: []*Node{
			{Name: "Leaf", DependsOn: []string{"Root"}},
		},
	}}}

	first, err := Apply(ctx, st, "sess", plan)
	require.NoError(t, err)

	before, err := task.New(st, "sess").Get(ctx, first.NameToID["Leaf"])
	require.NoError(t, err)

	second, err := Apply(ctx, st, "sess", plan)
	require.NoError(t, err)
	require.Equal(t, first.NameToID, second.NameToID)
	require.Empty(t, second.Created)

	after, err := task.New(st, "sess").Get(ctx, first.NameToID["Leaf"])
	require.NoError(t, err)
	require.Equal(t, before, after)

	var count int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM dependencies").Scan(&count))
	require.Equal(t, 1, count)
}

func TestApplyDependencyNotFound(t *testing.T) {
	st := newTestStore(t)

	plan := Plan{Tasks: []*Node{{Name: "a", DependsOn: []string{"ghost"}}}}
	_, err := Apply(context.Background(), st, "sess", plan)
	require.True(t, ieerrors.Is(err, ieerrors.KindDependencyNotFound))
}

func TestApplyRejectsCycleAcrossPlanAndStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Existing edge: a blocks b.
	_, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
	}})
	require.NoError(t, err)

	// The plan's edge would close a cycle with the stored one.
	_, err = Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "a", DependsOn: []string{"b"}},
	}})
	require.True(t, ieerrors.Is(err, ieerrors.KindCircularDependency))
}

func TestApplyAtomicOnFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "kept?"},
		{Name: "broken", DependsOn: []string{"ghost"}},
	}})
	require.True(t, ieerrors.Is(err, ieerrors.KindDependencyNotFound))

	var count int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(*) FROM tasks").Scan(&count))
	require.Zero(t, count)
}

func TestApplyMergesDuplicateDescriptors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	priority := 2
	result, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "shared", Spec: "from first"},
		{Name: "shared", Priority: &priority},
	}})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	merged, err := task.New(st, "sess").Get(ctx, result.NameToID["shared"])
	require.NoError(t, err)
	require.Equal(t, "from first", merged.Spec)
	require.Equal(t, 2, *merged.Priority)
}

func TestApplyDuplicateTaskIDConflictFatal(t *testing.T) {
	st := newTestStore(t)

	one, two := int64(1), int64(2)
	_, err := Apply(context.Background(), st, "sess", Plan{Tasks: []*Node{
		{Name: "shared", TaskID: &one},
		{Name: "shared", TaskID: &two},
	}})
	require.True(t, ieerrors.Is(err, ieerrors.KindDuplicateInPlan))
}

func TestApplyScalarConflictWarnsLastWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	result, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "shared", Spec: "first"},
		{Name: "shared", Spec: "second"},
	}})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)

	merged, err := task.New(st, "sess").Get(ctx, result.NameToID["shared"])
	require.NoError(t, err)
	require.Equal(t, "second", merged.Spec)
}

func TestApplyRenamesByTaskID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tasks := task.New(st, "sess")

	created, err := tasks.Create(ctx, task.CreateInput{Name: "old name"})
	require.NoError(t, err)
	firstTodo := *created.FirstTodoAt

	result, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "new name", TaskID: &created.ID},
	}})
	require.NoError(t, err)
	require.Equal(t, created.ID, result.NameToID["new name"])
	require.Contains(t, result.Updated, "new name")

	renamed, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "new name", renamed.Name)
	require.Equal(t, firstTodo, *renamed.FirstTodoAt)
}

func TestApplyAutoFocusOnSingleDoing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	result, err := Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "background"},
		{Name: "active", Status: "doing"},
	}})
	require.NoError(t, err)
	require.NotNil(t, result.FocusedTask)
	require.Equal(t, "active", result.FocusedTask.Name)
	require.Equal(t, task.StatusDoing, result.FocusedTask.Status)
	require.NotEmpty(t, result.FocusedEvents)

	focus, err := task.New(st, "sess").Focus(ctx)
	require.NoError(t, err)
	require.Equal(t, result.FocusedTask.ID, focus.ID)
}

func TestApplyDoingDemotesPriorFocus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tasks := task.New(st, "sess")

	prior, err := tasks.Create(ctx, task.CreateInput{Name: "prior", Status: task.StatusDoing})
	require.NoError(t, err)

	_, err = Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "takeover", Status: "doing"},
	}})
	require.NoError(t, err)

	prior, err = tasks.Get(ctx, prior.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusTodo, prior.Status)
}

func TestApplyStatusDoneClearsFocusWhenFocused(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tasks := task.New(st, "sess")

	active, err := tasks.Create(ctx, task.CreateInput{Name: "active", Status: task.StatusDoing})
	require.NoError(t, err)

	_, err = Apply(ctx, st, "sess", Plan{Tasks: []*Node{
		{Name: "active", Status: "done"},
	}})
	require.NoError(t, err)

	done, err := tasks.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, done.Status)
	require.NotNil(t, done.FirstDoneAt)

	focus, err := tasks.Focus(ctx)
	require.NoError(t, err)
	require.Nil(t, focus)
}

func TestApplyRejectsUnknownStatusAndMissingName(t *testing.T) {
	st := newTestStore(t)

	_, err := Apply(context.Background(), st, "sess", Plan{Tasks: []*Node{{Name: "x", Status: "paused"}}})
	require.True(t, ieerrors.Is(err, ieerrors.KindUnknownStatus))

	_, err = Apply(context.Background(), st, "sess", Plan{Tasks: []*Node{{}}})
	require.True(t, ieerrors.Is(err, ieerrors.KindInvalidArgument))
}
