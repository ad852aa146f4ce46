// Package dependency manages the directed blocking edges between
// tasks: cycle rejection on insert, blocked/ready queries, and the
// candidate lists pick-next draws from.
package dependency

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
)

// maxCycleDepth bounds the depth-first search AddEdgeTx runs before
// rejecting a graph as too deep to verify acyclic, rather than risking
// an unbounded walk on a pathological dependency graph.
const maxCycleDepth = 100

// execer is satisfied by both *sql.DB and *sql.Tx, so cycle checks and
// reads can run either inside a caller's transaction or standalone.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AddEdgeTx records that blockingID blocks blockedID, rejecting the
// edge if either task is missing or it would introduce a cycle; adding
// an edge that already exists is a no-op. Must run inside the caller's transaction so the
// cycle check sees a consistent snapshot with the insert.
func AddEdgeTx(ctx context.Context, tx *sql.Tx, blockingID, blockedID int64) error {
	if blockingID == blockedID {
		return ieerrors.New(ieerrors.KindInvalidArgument, "a task cannot block itself", nil)
	}

	for _, id := range []int64{blockingID, blockedID} {
		if exists, err := taskExists(ctx, tx, id); err != nil {
			return err
		} else if !exists {
			return ieerrors.New(ieerrors.KindTaskNotFound,
				fmt.Sprintf("task %d does not exist", id), nil)
		}
	}

	// Adding blockingID -> blockedID introduces a cycle iff blockingID
	// is already reachable from blockedID (i.e. blockedID already,
	// transitively, blocks blockingID).
	forward, err := reaches(ctx, tx, blockedID, blockingID, maxCycleDepth)
	if err != nil {
		return err
	}
	if forward != nil {
		witness := reversePath(forward)
		return ieerrors.New(ieerrors.KindCircularDependency,
			fmt.Sprintf("adding %d -> %d would create a cycle", blockingID, blockedID),
			map[string]any{"blocking_id": blockingID, "blocked_id": blockedID, "path": witness})
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dependencies (blocking_id, blocked_id) VALUES (?, ?)
		 ON CONFLICT(blocking_id, blocked_id) DO NOTHING`,
		blockingID, blockedID)
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert dependency", err)
	}
	logging.Dependency("added edge %d -> %d", blockingID, blockedID)
	return nil
}

// RemoveEdgeTx deletes the blockingID -> blockedID edge, if present.
func RemoveEdgeTx(ctx context.Context, tx *sql.Tx, blockingID, blockedID int64) error {
	res, err := tx.ExecContext(ctx,
		"DELETE FROM dependencies WHERE blocking_id = ? AND blocked_id = ?",
		blockingID, blockedID)
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "remove dependency", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ieerrors.New(ieerrors.KindDependencyNotFound,
			fmt.Sprintf("no edge %d -> %d", blockingID, blockedID), nil)
	}
	logging.Dependency("removed edge %d -> %d", blockingID, blockedID)
	return nil
}

// IsBlocked reports whether id is blocked: any task in its
// direct-or-transitive blocker closure has a status other than 'done'.
func IsBlocked(ctx context.Context, ex execer, id int64) (bool, error) {
	open, err := openBlockers(ctx, ex, id)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// BlockersOf returns the IDs of tasks currently blocking id (i.e. not
// yet done), across the whole transitive closure: a done blocker that
// itself still waits on an open task leaves id blocked by that task.
func BlockersOf(ctx context.Context, ex execer, id int64) ([]int64, error) {
	return openBlockers(ctx, ex, id)
}

// openBlockers walks blocked->blocking edges breadth-first from id and
// returns the closure members whose status is not 'done', ascending.
// Traversal continues through done blockers so their own open
// dependencies still count. The walk is bounded by maxCycleDepth; the
// graph is kept acyclic at insert time, so the bound is a backstop,
// not a correctness requirement.
func openBlockers(ctx context.Context, ex execer, id int64) ([]int64, error) {
	visited := map[int64]bool{id: true}
	queue := []int64{id}
	var open []int64

	for depth := 0; len(queue) > 0 && depth < maxCycleDepth; depth++ {
		var next []int64
		for _, cur := range queue {
			blockers, err := directBlockers(ctx, ex, cur)
			if err != nil {
				return nil, err
			}
			for _, b := range blockers {
				if visited[b.id] {
					continue
				}
				visited[b.id] = true
				if b.status != "done" {
					open = append(open, b.id)
				}
				next = append(next, b.id)
			}
		}
		queue = next
	}

	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open, nil
}

type blockerEdge struct {
	id     int64
	status string
}

func directBlockers(ctx context.Context, ex execer, id int64) ([]blockerEdge, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT d.blocking_id, t.status FROM dependencies d
		JOIN tasks t ON t.id = d.blocking_id
		WHERE d.blocked_id = ?
		ORDER BY d.blocking_id`, id)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "query blockers", err)
	}
	defer rows.Close()

	var out []blockerEdge
	for rows.Next() {
		var b blockerEdge
		if err := rows.Scan(&b.id, &b.status); err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan blocker", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BlockedBy returns the IDs of tasks that id blocks, regardless of
// their current status.
func BlockedBy(ctx context.Context, ex execer, id int64) ([]int64, error) {
	rows, err := ex.QueryContext(ctx,
		"SELECT blocked_id FROM dependencies WHERE blocking_id = ? ORDER BY blocked_id", id)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "query blocked set", err)
	}
	return scanIDs(rows)
}

// UnblockedTodoChildren returns the IDs of parentID's todo children
// that are not blocked (directly or transitively), ordered by priority
// (NULLs last) then id.
func UnblockedTodoChildren(ctx context.Context, ex execer, parentID int64) ([]int64, error) {
	return unblockedTodo(ctx, ex, "t.parent_id = ?", parentID)
}

// UnblockedTodoRoots is UnblockedTodoChildren for top-level tasks.
func UnblockedTodoRoots(ctx context.Context, ex execer) ([]int64, error) {
	return unblockedTodo(ctx, ex, "t.parent_id IS NULL")
}

func unblockedTodo(ctx context.Context, ex execer, scope string, args ...any) ([]int64, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		WHERE t.status = 'todo'
		AND `+scope+`
		ORDER BY CASE WHEN t.priority IS NULL THEN 1 ELSE 0 END, t.priority, t.id`, args...)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "query unblocked todo", err)
	}
	candidates, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}

	var out []int64
	for _, id := range candidates {
		blocked, err := IsBlocked(ctx, ex, id)
		if err != nil {
			return nil, err
		}
		if !blocked {
			out = append(out, id)
		}
	}
	return out, nil
}

// reaches performs a bounded depth-first search for whether `to` is
// reachable from `from` by following blocking edges (from blocks X,
// X blocks Y, ...), returning the witnessing path from..to (inclusive
// of both ends) if so, or nil if `to` is unreachable. A walk deeper
// than maxDepth errors as a potential cycle, treating the ambiguous
// result as a rejection rather than silently allowing one.
func reaches(ctx context.Context, ex execer, from, to int64, maxDepth int) ([]int64, error) {
	visited := make(map[int64]bool)
	return dfs(ctx, ex, from, to, 0, maxDepth, visited)
}

func dfs(ctx context.Context, ex execer, current, target int64, depth, maxDepth int, visited map[int64]bool) ([]int64, error) {
	if current == target {
		return []int64{current}, nil
	}
	if depth >= maxDepth {
		return nil, ieerrors.New(ieerrors.KindCircularDependency,
			"dependency graph exceeds maximum traversal depth; treating as a potential cycle",
			map[string]any{"max_depth": maxDepth})
	}
	if visited[current] {
		return nil, nil
	}
	visited[current] = true

	next, err := BlockedBy(ctx, ex, current)
	if err != nil {
		return nil, err
	}
	for _, n := range next {
		sub, err := dfs(ctx, ex, n, target, depth+1, maxDepth, visited)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return append([]int64{current}, sub...), nil
		}
	}
	return nil, nil
}

// reversePath returns a new slice with p's elements in reverse order.
func reversePath(p []int64) []int64 {
	out := make([]int64, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

func taskExists(ctx context.Context, ex execer, id int64) (bool, error) {
	var exists int
	err := ex.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "check task existence", err)
	}
	return true, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
