// Package planner applies a declarative batch of tasks and dependency
// edges in one transaction, keyed by task name so repeated application
// of the same plan is a no-op.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"intentengine/internal/dependency"
	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

// Node is one entry in a declarative plan tree. Name is the logical
// key resolved against existing tasks; an explicit TaskID forces a
// specific existing task to be targeted instead, with a differing Name
// applied as a rename (lifecycle timestamps untouched, since the
// rename goes through update rather than create).
type Node struct {
	Name       string            `json:"name"`
	TaskID     *int64            `json:"task_id,omitempty"`
	Spec       string            `json:"spec,omitempty"`
	Status     string            `json:"status,omitempty"`
	Priority   *int              `json:"priority,omitempty"`
	Complexity *int              `json:"complexity,omitempty"`
	ActiveForm *string           `json:"active_form,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Children   []*Node           `json:"children,omitempty"`
}

// Plan is the declarative batch the planner flattens and applies: a
// forest of Nodes.
type Plan struct {
	Tasks []*Node `json:"tasks"`
}

// Result reports what a Plan produced. FocusedTask and FocusedEvents
// are populated only when the plan induced exactly one doing focus.
type Result struct {
	NameToID      map[string]int64 `json:"name_to_id"`
	Created       []string         `json:"created"`
	Updated       []string         `json:"updated"`
	Warnings      []string         `json:"warnings,omitempty"`
	FocusedTask   *task.Task       `json:"focused_task,omitempty"`
	FocusedEvents []*event.Event   `json:"focused_events,omitempty"`
}

// flatNode is the flat intermediate representation flatten produces
// from the input tree; the apply passes iterate it instead of
// re-walking the nested input.
type flatNode struct {
	node       *Node
	parentName string // "" for roots
}

// Apply runs the flatten/resolve/validate/apply pipeline in a single
// transaction: the whole plan either lands entirely or not at all.
func Apply(ctx context.Context, st *store.Store, sessionID string, plan Plan) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "Apply")
	defer timer.Stop()

	flat, merged, warnings, err := flatten(plan)
	if err != nil {
		return nil, err
	}

	result := &Result{NameToID: map[string]int64{}, Warnings: warnings}
	var focusedIDs []int64

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		// Pass 1: create-or-update every task by name/task_id, in
		// pre-order, so a parent always resolves to an id before its
		// children need it in pass 2.
		for _, fn := range flat {
			merged := merged[fn.node.Name]
			id, created, err := upsertNode(ctx, tx, merged)
			if err != nil {
				return err
			}
			result.NameToID[fn.node.Name] = id
			if created {
				result.Created = append(result.Created, fn.node.Name)
			} else {
				result.Updated = append(result.Updated, fn.node.Name)
			}
		}

		// Pass 2: resolve and apply parent links.
		for _, fn := range flat {
			if fn.parentName == "" {
				continue
			}
			parentID, err := resolveRef(ctx, tx, result.NameToID, fn.parentName)
			if err != nil {
				return err
			}
			childID := result.NameToID[fn.node.Name]
			if err := setParent(ctx, tx, childID, parentID); err != nil {
				return err
			}
		}

		// Pass 3: resolve every depends_on reference (plan-internal
		// names first, then existing tasks), then insert the edges.
		// AddEdgeTx runs its cycle check against the combined graph of
		// existing edges plus the ones inserted so far, so a cycle
		// anywhere in the union is rejected before commit.
		type pendingEdge struct{ blockingID, blockedID int64 }
		var edges []pendingEdge
		for _, fn := range flat {
			blockedID := result.NameToID[fn.node.Name]
			for _, ref := range merged[fn.node.Name].DependsOn {
				blockingID, err := resolveRef(ctx, tx, result.NameToID, ref)
				if err != nil {
					return err
				}
				edges = append(edges, pendingEdge{blockingID, blockedID})
			}
		}
		for _, e := range edges {
			if err := dependency.AddEdgeTx(ctx, tx, e.blockingID, e.blockedID); err != nil {
				return err
			}
		}

		// Pass 4: drive status transitions through the focus state
		// machine, so a node with status=doing becomes the focus and
		// demotes any previous doing focus to todo. Plan pre-order
		// decides who wins when several nodes say doing.
		for _, fn := range flat {
			id := result.NameToID[fn.node.Name]
			switch task.Status(merged[fn.node.Name].Status) {
			case task.StatusDoing:
				started, err := task.StartTx(ctx, tx, id, sessionID)
				if err != nil {
					return err
				}
				focusedIDs = append(focusedIDs, started.ID)
			case task.StatusTodo, task.StatusDone:
				if err := applyStatusTx(ctx, tx, id, task.Status(merged[fn.node.Name].Status)); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(focusedIDs) == 1 {
		focusID := focusedIDs[0]
		if focused, err := task.New(st, sessionID).Get(ctx, focusID); err == nil {
			result.FocusedTask = focused
		}
		if events, err := event.New(st, sessionID).List(ctx, &focusID, 0, 10); err == nil {
			result.FocusedEvents = events
		}
	}

	logging.Planner("applied plan: %d created, %d updated", len(result.Created), len(result.Updated))
	return result, nil
}

// flatten walks plan's forest in pre-order, recording each node's
// intended parent name, and merges duplicate-named nodes field-wise
// (non-null wins, last wins on conflict with a warning). It returns
// the pre-order flat list (one entry per distinct name, first
// occurrence position), the merged descriptor for each name, and any
// merge warnings.
func flatten(plan Plan) ([]flatNode, map[string]*Node, []string, error) {
	var flat []flatNode
	merged := map[string]*Node{}
	var warnings []string
	seenOrder := map[string]bool{}

	var walk func(nodes []*Node, parentName string) error
	walk = func(nodes []*Node, parentName string) error {
		for _, n := range nodes {
			if n.Name == "" {
				return ieerrors.New(ieerrors.KindInvalidArgument, "plan entry missing name", nil)
			}
			if n.Status != "" && !task.ValidStatus(n.Status) {
				return ieerrors.New(ieerrors.KindUnknownStatus, n.Status, nil)
			}

			if existing, ok := merged[n.Name]; ok {
				w, err := mergeNode(existing, n)
				if err != nil {
					return ieerrors.New(ieerrors.KindDuplicateInPlan,
						fmt.Sprintf("name %q appears more than once in the plan with conflicting fields: %v", n.Name, err), nil)
				}
				warnings = append(warnings, w...)
			} else {
				cp := *n
				merged[n.Name] = &cp
			}

			if !seenOrder[n.Name] {
				seenOrder[n.Name] = true
				flat = append(flat, flatNode{node: n, parentName: parentName})
			}

			if err := walk(n.Children, n.Name); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(plan.Tasks, ""); err != nil {
		return nil, nil, nil, err
	}
	return flat, merged, warnings, nil
}

// mergeNode field-wise unions b into a (in place), preferring non-null
// values and letting the later entry (b) win on a scalar conflict,
// returning a human-readable warning for every such conflict. Two
// descriptors carrying different explicit TaskIDs cannot describe the
// same task, so that conflict is fatal rather than a warning.
func mergeNode(a, b *Node) ([]string, error) {
	var warnings []string
	if b.TaskID != nil {
		if a.TaskID != nil && *a.TaskID != *b.TaskID {
			return nil, fmt.Errorf("task_id %d vs %d", *a.TaskID, *b.TaskID)
		}
		a.TaskID = b.TaskID
	}
	if b.Spec != "" && b.Spec != a.Spec {
		if a.Spec != "" {
			warnings = append(warnings, fmt.Sprintf("%s: spec conflict, using later value", a.Name))
		}
		a.Spec = b.Spec
	}
	if b.Status != "" {
		if a.Status != "" && a.Status != b.Status {
			warnings = append(warnings, fmt.Sprintf("%s: status conflict (%s vs %s), using %s", a.Name, a.Status, b.Status, b.Status))
		}
		a.Status = b.Status
	}
	if b.Priority != nil {
		if a.Priority != nil && *a.Priority != *b.Priority {
			warnings = append(warnings, fmt.Sprintf("%s: priority conflict, using later value", a.Name))
		}
		a.Priority = b.Priority
	}
	if b.Complexity != nil {
		if a.Complexity != nil && *a.Complexity != *b.Complexity {
			warnings = append(warnings, fmt.Sprintf("%s: complexity conflict, using later value", a.Name))
		}
		a.Complexity = b.Complexity
	}
	if b.ActiveForm != nil {
		if a.ActiveForm != nil && *a.ActiveForm != *b.ActiveForm {
			warnings = append(warnings, fmt.Sprintf("%s: active_form conflict, using later value", a.Name))
		}
		a.ActiveForm = b.ActiveForm
	}
	if b.Owner != "" {
		if a.Owner != "" && a.Owner != b.Owner {
			warnings = append(warnings, fmt.Sprintf("%s: owner conflict, using later value", a.Name))
		}
		a.Owner = b.Owner
	}
	for k, v := range b.Metadata {
		if a.Metadata == nil {
			a.Metadata = map[string]string{}
		}
		a.Metadata[k] = v
	}
	a.DependsOn = append(a.DependsOn, b.DependsOn...)
	return warnings, nil
}

// resolveRef resolves a name to a task ID, first against this plan's
// own name→id map, then against existing stored tasks by exact name
// match (lowest id wins when duplicates exist).
func resolveRef(ctx context.Context, tx *sql.Tx, nameToID map[string]int64, name string) (int64, error) {
	if id, ok := nameToID[name]; ok {
		return id, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM tasks WHERE name = ? ORDER BY id LIMIT 1", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ieerrors.New(ieerrors.KindDependencyNotFound,
			fmt.Sprintf("plan references unknown task %q", name), nil)
	}
	if err != nil {
		return 0, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "resolve plan reference", err)
	}
	return id, nil
}

// upsertNode creates n as a new task, or updates the matching existing
// task in place. If n.TaskID is set, that identity takes precedence
// over name lookup and a differing name is applied as a rename.
// Status is deliberately NOT written here: pass 4 drives status
// through the focus state machine so start side-effects (demoting a
// prior focus) still apply inside a plan.
func upsertNode(ctx context.Context, tx *sql.Tx, n *Node) (id int64, created bool, err error) {
	var existingID int64
	var found bool

	if n.TaskID != nil {
		err = tx.QueryRowContext(ctx, "SELECT id FROM tasks WHERE id = ?", *n.TaskID).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return 0, false, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "lookup plan task by id", err)
		}
		found = err == nil
		if !found {
			return 0, false, ieerrors.New(ieerrors.KindTaskNotFound,
				fmt.Sprintf("plan references task_id %d which does not exist", *n.TaskID), nil)
		}
	} else {
		err = tx.QueryRowContext(ctx, "SELECT id FROM tasks WHERE name = ? ORDER BY id LIMIT 1", n.Name).Scan(&existingID)
		if err != nil && err != sql.ErrNoRows {
			return 0, false, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "lookup plan task by name", err)
		}
		found = err == nil
	}

	metaJSON, err2 := marshalMetadata(n.Metadata)
	if err2 != nil {
		return 0, false, err2
	}

	if !found {
		owner := n.Owner
		if owner == "" {
			owner = "ai"
		}
		// New tasks land as todo regardless of the node's status; pass 4
		// drives the transition so the lifecycle stamps and focus
		// side-effects match an interactive create-then-start.
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO tasks (name, spec, status, priority, complexity, active_form, owner, metadata, first_todo_at)
			VALUES (?, ?, 'todo', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			n.Name, n.Spec, n.Priority, n.Complexity, n.ActiveForm, owner, metaJSON)
		if insErr != nil {
			return 0, false, ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert plan task", insErr)
		}
		newID, idErr := res.LastInsertId()
		if idErr != nil {
			return 0, false, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read inserted id", idErr)
		}
		return newID, true, nil
	}

	// Update in place: non-null/non-empty plan fields win, everything
	// else is left as-is, so re-applying the same plan writes nothing
	// that changes any row.
	if _, updErr := tx.ExecContext(ctx, `
		UPDATE tasks SET
			name = ?,
			spec = COALESCE(NULLIF(?, ''), spec),
			priority = COALESCE(?, priority),
			complexity = COALESCE(?, complexity),
			active_form = COALESCE(?, active_form),
			owner = COALESCE(NULLIF(?, ''), owner)
		WHERE id = ?`,
		n.Name, n.Spec, n.Priority, n.Complexity, n.ActiveForm, n.Owner, existingID); updErr != nil {
		return 0, false, ieerrors.Wrap(ieerrors.KindIntegrityViolation, "update plan task", updErr)
	}
	if len(n.Metadata) > 0 {
		if _, updErr := tx.ExecContext(ctx, "UPDATE tasks SET metadata = ? WHERE id = ?", metaJSON, existingID); updErr != nil {
			return 0, false, ieerrors.Wrap(ieerrors.KindIntegrityViolation, "update plan task metadata", updErr)
		}
	}
	return existingID, false, nil
}

// applyStatusTx writes a non-doing target status, stamping the
// matching lifecycle timestamp only if it was never set. Moving the
// focused task to done clears the focus, matching what completing it
// interactively would do.
func applyStatusTx(ctx context.Context, tx *sql.Tx, id int64, target task.Status) error {
	var current string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current); err != nil {
		return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read task status", err)
	}
	if task.Status(current) == target {
		return nil
	}
	stamp := "first_todo_at"
	if target == task.StatusDone {
		stamp = "first_done_at"
	}
	query := fmt.Sprintf("UPDATE tasks SET status = ?, %s = COALESCE(%s, CURRENT_TIMESTAMP) WHERE id = ?", stamp, stamp)
	if _, err := tx.ExecContext(ctx, query, string(target), id); err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "apply plan status", err)
	}
	if target == task.StatusDone {
		var focus string
		err := tx.QueryRowContext(ctx, "SELECT value FROM workspace_state WHERE key = 'current_task_id'").Scan(&focus)
		if err == nil && focus == fmt.Sprintf("%d", id) {
			if err := store.DeleteWorkspaceValueTx(tx, "current_task_id"); err != nil {
				return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "clear focus", err)
			}
		}
	}
	return nil
}

func setParent(ctx context.Context, tx *sql.Tx, childID, parentID int64) error {
	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT parent_id FROM tasks WHERE id = ?", childID).Scan(&current); err != nil {
		return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read current parent", err)
	}
	if current.Valid && current.Int64 == parentID {
		return nil
	}
	if err := task.CheckParentCycleTx(ctx, tx, childID, parentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET parent_id = ? WHERE id = ?", parentID, childID); err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "link parent", err)
	}
	return nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", ieerrors.Wrap(ieerrors.KindInvalidArgument, "marshal plan metadata", err)
	}
	return string(b), nil
}
