package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"intentengine/internal/dependency"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
)

// focusKey is the workspace_state row holding the currently focused
// task's ID. At most one task holds focus at a time.
const focusKey = "current_task_id"

// maxAncestorDepth bounds parent-chain walks so a corrupted parent
// pointer loop cannot hang a reparent check.
const maxAncestorDepth = 100

// Manager implements task operations against an open Store.
type Manager struct {
	st        *store.Store
	sessionID string
}

// New builds a Manager bound to st, attributing events it writes to
// sessionID.
func New(st *store.Store, sessionID string) *Manager {
	return &Manager{st: st, sessionID: sessionID}
}

// Create inserts a new task, defaulting status to todo and owner to
// "ai" when unset. first_todo_at is always stamped at creation; a task
// created directly in doing additionally gets first_doing_at and
// becomes the focus, demoting whatever was focused before.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Task, error) {
	timer := logging.StartTimer(logging.CategoryTask, "Create")
	defer timer.Stop()

	if strings.TrimSpace(in.Name) == "" {
		return nil, ieerrors.New(ieerrors.KindInvalidArgument, "name is required", nil)
	}
	status := in.Status
	if status == "" {
		status = StatusTodo
	} else if !ValidStatus(string(status)) {
		return nil, ieerrors.New(ieerrors.KindUnknownStatus, string(status), nil)
	}
	owner := in.Owner
	if owner == "" {
		owner = "ai"
	}
	metaJSON, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	var created *Task
	err = m.st.WithTx(ctx, func(tx *sql.Tx) error {
		if in.ParentID != nil {
			if _, err := getTx(ctx, tx, *in.ParentID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (name, spec, status, priority, complexity, parent_id, active_form, owner, metadata,
				first_todo_at, first_doing_at, first_done_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
				CURRENT_TIMESTAMP,
				CASE WHEN ? = 'doing' THEN CURRENT_TIMESTAMP END,
				CASE WHEN ? = 'done' THEN CURRENT_TIMESTAMP END)`,
			in.Name, in.Spec, string(status), in.Priority, in.Complexity, in.ParentID, in.ActiveForm, owner, metaJSON,
			string(status), string(status))
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert task", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read inserted id", err)
		}

		if status == StatusDoing {
			if err := demotePriorFocus(ctx, tx, id, m.sessionID); err != nil {
				return err
			}
			if err := store.SetWorkspaceValueTx(tx, focusKey, fmt.Sprintf("%d", id)); err != nil {
				return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "set focus", err)
			}
		}

		if err := addEventTx(ctx, tx, id, "milestone", "task created", m.sessionID); err != nil {
			return err
		}

		created, err = getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Task("created task %d (%s)", created.ID, created.Name)
	return created, nil
}

// Get loads a single task by ID.
func (m *Manager) Get(ctx context.Context, id int64) (*Task, error) {
	return getTx(ctx, m.st.DB(), id)
}

// GetWithContext loads a task plus its ancestors, siblings, full
// descendant subtree, and blocking relationships.
func (m *Manager) GetWithContext(ctx context.Context, id int64) (*Task, *Context, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	c := &Context{}
	db := m.st.DB()

	// Ancestors: walk parent_id upward.
	cur := t.ParentID
	for cur != nil {
		anc, err := getTx(ctx, db, *cur)
		if err != nil {
			break
		}
		c.Ancestors = append(c.Ancestors, anc)
		cur = anc.ParentID
	}

	if t.ParentID != nil {
		siblings, err := listTx(ctx, db, ListFilter{ParentID: ptrPtr(t.ParentID)})
		if err != nil {
			return nil, nil, err
		}
		for _, s := range siblings {
			if s.ID != t.ID {
				c.Siblings = append(c.Siblings, s)
			}
		}
	}

	// Descendants: breadth-first over the whole subtree, not just
	// direct children, mirroring the full-chain ancestor walk above.
	queue := []int64{t.ID}
	for depth := 0; len(queue) > 0 && depth < maxAncestorDepth; depth++ {
		var next []int64
		for _, parentID := range queue {
			children, err := listTx(ctx, db, ListFilter{ParentID: ptrPtr(&parentID)})
			if err != nil {
				return nil, nil, err
			}
			for _, child := range children {
				c.Descendants = append(c.Descendants, child)
				next = append(next, child.ID)
			}
		}
		queue = next
	}

	c.Blockers, err = dependency.BlockersOf(ctx, db, id)
	if err != nil {
		return nil, nil, err
	}
	c.Blocks, err = dependency.BlockedBy(ctx, db, id)
	if err != nil {
		return nil, nil, err
	}

	return t, c, nil
}

// List returns tasks matching filter, ordered by priority (NULLs last)
// then id.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	return listTx(ctx, m.st.DB(), filter)
}

// Update applies a partial update, merging metadata (MetadataDel keys
// are removed) and adding/removing dependency edges, all within one
// transaction. Reparenting is rejected if the new parent chain would
// loop back through the task itself.
func (m *Manager) Update(ctx context.Context, id int64, in UpdateInput) (*Task, error) {
	timer := logging.StartTimer(logging.CategoryTask, "Update")
	defer timer.Stop()

	var updated *Task
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}

		name := existing.Name
		if in.Name != nil {
			name = *in.Name
		}
		spec := existing.Spec
		if in.Spec != nil {
			spec = *in.Spec
		}
		status := existing.Status
		if in.Status != nil {
			if !ValidStatus(string(*in.Status)) {
				return ieerrors.New(ieerrors.KindUnknownStatus, string(*in.Status), nil)
			}
			status = *in.Status
		}
		priority := existing.Priority
		if in.Priority != nil {
			priority = *in.Priority
		}
		complexity := existing.Complexity
		if in.Complexity != nil {
			complexity = *in.Complexity
		}
		parentID := existing.ParentID
		if in.ParentID != nil {
			parentID = *in.ParentID
			if parentID != nil {
				if _, err := getTx(ctx, tx, *parentID); err != nil {
					return err
				}
				if err := CheckParentCycleTx(ctx, tx, id, *parentID); err != nil {
					return err
				}
			}
		}
		activeForm := existing.ActiveForm
		if in.ActiveForm != nil {
			activeForm = *in.ActiveForm
		}
		owner := existing.Owner
		if in.Owner != nil {
			owner = *in.Owner
		}

		meta := existing.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		for k, v := range in.MetadataSet {
			meta[k] = v
		}
		for _, k := range in.MetadataDel {
			delete(meta, k)
		}
		metaJSON, err := marshalMetadata(meta)
		if err != nil {
			return err
		}

		stamps := lifecycleStamps(existing.Status, status)

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE tasks SET name = ?, spec = ?, status = ?, priority = ?, complexity = ?,
				parent_id = ?, active_form = ?, owner = ?, metadata = ? %s
			WHERE id = ?`, stamps),
			name, spec, string(status), priority, complexity, parentID, activeForm, owner, metaJSON, id)
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "update task", err)
		}

		for _, blockerID := range in.AddBlockedBy {
			if err := dependency.AddEdgeTx(ctx, tx, blockerID, id); err != nil {
				return err
			}
		}
		for _, blockedID := range in.AddBlocks {
			if err := dependency.AddEdgeTx(ctx, tx, id, blockedID); err != nil {
				return err
			}
		}
		for _, blockerID := range in.RemBlockedBy {
			if err := dependency.RemoveEdgeTx(ctx, tx, blockerID, id); err != nil {
				return err
			}
		}
		for _, blockedID := range in.RemBlocks {
			if err := dependency.RemoveEdgeTx(ctx, tx, id, blockedID); err != nil {
				return err
			}
		}

		if in.Status != nil && *in.Status != existing.Status {
			if err := addEventTx(ctx, tx, id, "milestone",
				fmt.Sprintf("status changed from %s to %s", existing.Status, *in.Status), m.sessionID); err != nil {
				return err
			}
		}

		updated, err = getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Task("updated task %d", id)
	return updated, nil
}

// CheckParentCycleTx rejects making parentID the parent of childID
// when childID already appears in parentID's ancestor chain, which
// would turn the forest into a loop.
func CheckParentCycleTx(ctx context.Context, tx *sql.Tx, childID, parentID int64) error {
	if childID == parentID {
		return ieerrors.New(ieerrors.KindCircularDependency, "a task cannot be its own parent", nil)
	}
	path := []int64{parentID}
	cur := parentID
	for depth := 0; depth < maxAncestorDepth; depth++ {
		var next sql.NullInt64
		err := tx.QueryRowContext(ctx, "SELECT parent_id FROM tasks WHERE id = ?", cur).Scan(&next)
		if err == sql.ErrNoRows || (err == nil && !next.Valid) {
			return nil
		}
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "walk parent chain", err)
		}
		if next.Int64 == childID {
			path = append(path, childID)
			return ieerrors.New(ieerrors.KindCircularDependency,
				fmt.Sprintf("making %d a child of %d would create a parent cycle", childID, parentID),
				map[string]any{"path": path})
		}
		path = append(path, next.Int64)
		cur = next.Int64
	}
	return ieerrors.New(ieerrors.KindCorruptState, "parent chain exceeds maximum depth", nil)
}

// Delete removes a task. If the task has children, delete fails unless
// cascade is true, in which case the whole subtree is removed. Events
// and dependency edges referencing deleted tasks go with them via
// foreign-key rules; focus is cleared if it pointed into the subtree.
func (m *Manager) Delete(ctx context.Context, id int64, cascade bool) error {
	return m.st.WithTx(ctx, func(tx *sql.Tx) error {
		return deleteTx(ctx, tx, id, cascade)
	})
}

func deleteTx(ctx context.Context, tx *sql.Tx, id int64, cascade bool) error {
	if _, err := getTx(ctx, tx, id); err != nil {
		return err
	}

	children, err := listTx(ctx, tx, ListFilter{ParentID: ptrPtr(&id)})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		if !cascade {
			return ieerrors.New(ieerrors.KindIncompleteChildren,
				fmt.Sprintf("task %d has %d children; pass cascade to delete them too", id, len(children)), nil)
		}
		for _, child := range children {
			if err := deleteTx(ctx, tx, child.ID, true); err != nil {
				return err
			}
		}
	}

	if focus, _, err := getFocusTx(ctx, tx); err == nil && focus != nil && *focus == id {
		if err := store.DeleteWorkspaceValueTx(tx, focusKey); err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "clear focus", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "delete task", err)
	}
	logging.Task("deleted task %d (cascade=%v)", id, cascade)
	return nil
}

// Start sets a task's status to doing and gives it focus. Fails with
// Blocked (carrying the blocker ids) if any dependency is not yet
// done. If another task currently holds focus and is still doing, it
// is demoted to todo first. Starting a task whose parent is already
// done is allowed; it records a note event flagging the reopened
// parent rather than rejecting the operation.
func (m *Manager) Start(ctx context.Context, id int64) (*Task, error) {
	var result *Task
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = StartTx(ctx, tx, id, m.sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Task("started task %d", result.ID)
	return result, nil
}

// StartTx is Start's body, exposed for callers (the planner) that need
// the transition inside a larger transaction of their own.
func StartTx(ctx context.Context, tx *sql.Tx, id int64, sessionID string) (*Task, error) {
	t, err := getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDone {
		return nil, ieerrors.New(ieerrors.KindInvalidArgument,
			fmt.Sprintf("task %d is already done", id), nil)
	}
	if blocked, err := dependency.IsBlocked(ctx, tx, id); err != nil {
		return nil, err
	} else if blocked {
		blockers, _ := dependency.BlockersOf(ctx, tx, id)
		return nil, ieerrors.New(ieerrors.KindBlocked,
			fmt.Sprintf("task %d is blocked", id), map[string]any{"blockers": blockers})
	}

	if t.ParentID != nil {
		parent, err := getTx(ctx, tx, *t.ParentID)
		if err == nil && parent.Status == StatusDone {
			if err := addEventTx(ctx, tx, id, "note",
				fmt.Sprintf("starting task whose parent %d was already done", parent.ID), sessionID); err != nil {
				return nil, err
			}
		}
	}

	if err := demotePriorFocus(ctx, tx, id, sessionID); err != nil {
		return nil, err
	}

	stamps := lifecycleStamps(t.Status, StatusDoing)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE tasks SET status = 'doing' %s WHERE id = ?", stamps), id); err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindIntegrityViolation, "start task", err)
	}
	if err := store.SetWorkspaceValueTx(tx, focusKey, fmt.Sprintf("%d", id)); err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "set focus", err)
	}
	if err := addEventTx(ctx, tx, id, "milestone", "task started", sessionID); err != nil {
		return nil, err
	}

	return getTx(ctx, tx, id)
}

// Switch moves focus to id. The focus transition is the same as
// Start's: the target goes to doing and any prior doing focus is
// demoted to todo.
func (m *Manager) Switch(ctx context.Context, id int64) (*Task, error) {
	t, err := m.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.Task("switched focus to task %d", t.ID)
	return t, nil
}

// demotePriorFocus moves the current focus back to todo when it
// differs from newFocusID and is still doing. A no-op when nothing was
// focused, the focus is already newFocusID, or the prior focus isn't
// doing.
func demotePriorFocus(ctx context.Context, tx *sql.Tx, newFocusID int64, sessionID string) error {
	priorID, ok, err := getFocusTx(ctx, tx)
	if err != nil {
		return err
	}
	if !ok || priorID == nil || *priorID == newFocusID {
		return nil
	}
	prior, err := getTx(ctx, tx, *priorID)
	if err != nil {
		if ieerrors.Is(err, ieerrors.KindTaskNotFound) {
			return nil
		}
		return err
	}
	if prior.Status != StatusDoing {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET status = 'todo' WHERE id = ?", prior.ID); err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "demote prior focus", err)
	}
	if err := addEventTx(ctx, tx, prior.ID, "milestone",
		fmt.Sprintf("demoted to todo; focus moved to task %d", newFocusID), sessionID); err != nil {
		return err
	}
	logging.Task("demoted prior focus task %d to todo", prior.ID)
	return nil
}

// CompleteCurrent marks the focused task done, clears focus, and
// suggests a next step. Fails with NoFocus when nothing is focused and
// with IncompleteChildren when any child is not yet done.
func (m *Manager) CompleteCurrent(ctx context.Context) (*CompleteResult, error) {
	var result *CompleteResult
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		focusID, _, err := getFocusTx(ctx, tx)
		if err != nil {
			return err
		}
		if focusID == nil {
			return ieerrors.New(ieerrors.KindNoFocus, "no task is currently focused", nil)
		}

		t, err := getTx(ctx, tx, *focusID)
		if err != nil {
			return err
		}

		children, err := listTx(ctx, tx, ListFilter{ParentID: ptrPtr(&t.ID)})
		if err != nil {
			return err
		}
		var open []int64
		for _, c := range children {
			if c.Status != StatusDone {
				open = append(open, c.ID)
			}
		}
		if len(open) > 0 {
			return ieerrors.New(ieerrors.KindIncompleteChildren,
				fmt.Sprintf("task %d has incomplete children", t.ID), map[string]any{"ids": open})
		}

		stamps := lifecycleStamps(t.Status, StatusDone)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE tasks SET status = 'done' %s WHERE id = ?", stamps), t.ID); err != nil {
			return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "complete task", err)
		}
		if err := addEventTx(ctx, tx, t.ID, "milestone", "task completed", m.sessionID); err != nil {
			return err
		}
		if err := store.DeleteWorkspaceValueTx(tx, focusKey); err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "clear focus", err)
		}

		kind, clear, err := nextStepAfterCompletion(ctx, tx, t)
		if err != nil {
			return err
		}

		done, err := getTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		result = &CompleteResult{Task: done, WorkspaceCleared: clear, NextStepSuggestion: kind}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Task("completed task %d, next step: %s", result.Task.ID, result.NextStepSuggestion)
	return result, nil
}

// nextStepAfterCompletion picks the suggestion returned alongside a
// completed task: whether the parent is now ready to complete,
// siblings remain, the workspace is clear, or there is no surrounding
// context to point at.
func nextStepAfterCompletion(ctx context.Context, tx *sql.Tx, completed *Task) (NextStepKind, bool, error) {
	remaining, err := listTx(ctx, tx, ListFilter{})
	if err != nil {
		return "", false, err
	}
	anyOpen := false
	for _, t := range remaining {
		if t.Status != StatusDone {
			anyOpen = true
			break
		}
	}
	if !anyOpen {
		return NextWorkspaceIsClear, true, nil
	}

	if completed.ParentID == nil {
		children, err := listTx(ctx, tx, ListFilter{ParentID: ptrPtr(&completed.ID)})
		if err != nil {
			return "", false, err
		}
		if len(children) > 0 {
			return NextTopLevelCompleted, false, nil
		}
		return NextNoParentContext, false, nil
	}

	parent, err := getTx(ctx, tx, *completed.ParentID)
	if err != nil {
		return NextNoParentContext, false, nil
	}

	siblings, err := listTx(ctx, tx, ListFilter{ParentID: ptrPtr(&parent.ID)})
	if err != nil {
		return "", false, err
	}
	for _, s := range siblings {
		if s.ID != completed.ID && s.Status != StatusDone {
			return NextSiblingTasksRemain, false, nil
		}
	}
	return NextParentIsReady, false, nil
}

// SpawnSubtask creates a child of the currently focused task and
// starts it, shifting focus to the child. Fails with NoFocus if
// nothing is focused. The create and the start share one transaction.
func (m *Manager) SpawnSubtask(ctx context.Context, in CreateInput) (*Task, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, ieerrors.New(ieerrors.KindInvalidArgument, "name is required", nil)
	}
	owner := in.Owner
	if owner == "" {
		owner = "ai"
	}
	metaJSON, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	var result *Task
	err = m.st.WithTx(ctx, func(tx *sql.Tx) error {
		focusID, _, err := getFocusTx(ctx, tx)
		if err != nil {
			return err
		}
		if focusID == nil {
			return ieerrors.New(ieerrors.KindNoFocus, "no task is currently focused", nil)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (name, spec, status, priority, complexity, parent_id, active_form, owner, metadata, first_todo_at)
			VALUES (?, ?, 'todo', ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			in.Name, in.Spec, in.Priority, in.Complexity, *focusID, in.ActiveForm, owner, metaJSON)
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert subtask", err)
		}
		childID, err := res.LastInsertId()
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read inserted id", err)
		}
		if err := addEventTx(ctx, tx, childID, "milestone", "task created", m.sessionID); err != nil {
			return err
		}

		result, err = StartTx(ctx, tx, childID, m.sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Task("spawned subtask %d under prior focus", result.ID)
	return result, nil
}

// PickNext recommends the next task to start without mutating
// anything: first a todo child of the current focus, then any todo
// root task, in both cases ordered by priority (NULLs last) then id
// and skipping anything still blocked. Returns nil when nothing
// qualifies.
func (m *Manager) PickNext(ctx context.Context) (*Task, error) {
	db := m.st.DB()

	focusID, _, err := getFocusTx(ctx, db)
	if err != nil {
		return nil, err
	}
	if focusID != nil {
		ids, err := dependency.UnblockedTodoChildren(ctx, db, *focusID)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			return m.Get(ctx, ids[0])
		}
	}

	ids, err := dependency.UnblockedTodoRoots(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return m.Get(ctx, ids[0])
}

// Focus returns the currently focused task, or nil if none.
func (m *Manager) Focus(ctx context.Context) (*Task, error) {
	focusID, _, err := getFocusTx(ctx, m.st.DB())
	if err != nil {
		return nil, err
	}
	if focusID == nil {
		return nil, nil
	}
	return m.Get(ctx, *focusID)
}

// querier is satisfied by *sql.DB and *sql.Tx, so the read helpers
// below work inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTx(ctx context.Context, q querier, id int64) (*Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, spec, status, priority, complexity, parent_id, active_form, owner, metadata,
			first_todo_at, first_doing_at, first_done_at, created_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ieerrors.New(ieerrors.KindTaskNotFound, fmt.Sprintf("task %d not found", id), nil)
	}
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "get task", err)
	}
	return t, nil
}

func listTx(ctx context.Context, q querier, filter ListFilter) ([]*Task, error) {
	query := `SELECT id, name, spec, status, priority, complexity, parent_id, active_form, owner, metadata,
		first_todo_at, first_doing_at, first_done_at, created_at FROM tasks WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != nil {
		if *filter.ParentID == nil {
			query += " AND parent_id IS NULL"
		} else {
			query += " AND parent_id = ?"
			args = append(args, **filter.ParentID)
		}
	}
	if filter.Owner != nil {
		query += " AND owner = ?"
		args = append(args, *filter.Owner)
	}
	query += " ORDER BY CASE WHEN priority IS NULL THEN 1 ELSE 0 END, priority, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) {
	return scanInto(row)
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (*Task, error) {
	var t Task
	var metaJSON string
	var statusStr string
	err := s.Scan(&t.ID, &t.Name, &t.Spec, &statusStr, &t.Priority, &t.Complexity, &t.ParentID,
		&t.ActiveForm, &t.Owner, &metaJSON, &t.FirstTodoAt, &t.FirstDoingAt, &t.FirstDoneAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(statusStr)
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	}
	return &t, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", ieerrors.Wrap(ieerrors.KindInvalidArgument, "marshal metadata", err)
	}
	return string(b), nil
}

// lifecycleStamps returns the SQL fragment stamping first_todo_at /
// first_doing_at / first_done_at the first time a task enters that
// status. COALESCE keeps an already-set timestamp untouched.
func lifecycleStamps(from, to Status) string {
	if from == to {
		return ""
	}
	switch to {
	case StatusTodo:
		return ", first_todo_at = COALESCE(first_todo_at, CURRENT_TIMESTAMP)"
	case StatusDoing:
		return ", first_doing_at = COALESCE(first_doing_at, CURRENT_TIMESTAMP)"
	case StatusDone:
		return ", first_done_at = COALESCE(first_done_at, CURRENT_TIMESTAMP)"
	}
	return ""
}

func getFocusTx(ctx context.Context, q querier) (*int64, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT value FROM workspace_state WHERE key = ?", focusKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read focus", err)
	}
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return nil, false, ieerrors.Wrap(ieerrors.KindCorruptState, "parse focus value", err)
	}
	return &id, true, nil
}

func addEventTx(ctx context.Context, tx *sql.Tx, taskID int64, logType, body, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO events (task_id, log_type, body, session_id) VALUES (?, ?, ?, ?)",
		taskID, logType, body, sessionID)
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert event", err)
	}
	return nil
}

func ptrPtr(p *int64) **int64 {
	return &p
}
