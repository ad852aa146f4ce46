// Package task implements task CRUD, the todo/doing/done state
// machine, single-task focus tracking, and context queries (ancestors,
// siblings, descendants, blocking relationships) over the store.
package task

import "time"

// Status is one of the three task lifecycle states.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// ValidStatus reports whether s is one of the three known statuses.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// Task is one node in the task forest. Lifecycle timestamps record the
// first entry into each status and are never rewritten once set.
type Task struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Spec         string            `json:"spec,omitempty"`
	Status       Status            `json:"status"`
	Priority     *int              `json:"priority,omitempty"`
	Complexity   *int              `json:"complexity,omitempty"`
	ParentID     *int64            `json:"parent_id,omitempty"`
	ActiveForm   *string           `json:"active_form,omitempty"`
	Owner        string            `json:"owner"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FirstTodoAt  *time.Time        `json:"first_todo_at,omitempty"`
	FirstDoingAt *time.Time        `json:"first_doing_at,omitempty"`
	FirstDoneAt  *time.Time        `json:"first_done_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Context bundles the ancestry/sibling/descendant/dependency data
// returned alongside a task when the caller asks for context.
type Context struct {
	Ancestors   []*Task `json:"ancestors,omitempty"`
	Siblings    []*Task `json:"siblings,omitempty"`
	Descendants []*Task `json:"descendants,omitempty"`
	Blockers    []int64 `json:"blockers,omitempty"`
	Blocks      []int64 `json:"blocks,omitempty"`
}

// NextStepKind is the suggestion kind returned by CompleteCurrent.
type NextStepKind string

const (
	NextParentIsReady      NextStepKind = "PARENT_IS_READY"
	NextSiblingTasksRemain NextStepKind = "SIBLING_TASKS_REMAIN"
	NextTopLevelCompleted  NextStepKind = "TOP_LEVEL_TASK_COMPLETED"
	NextNoParentContext    NextStepKind = "NO_PARENT_CONTEXT"
	NextWorkspaceIsClear   NextStepKind = "WORKSPACE_IS_CLEAR"
)

// CreateInput collects the optional fields accepted by Manager.Create.
type CreateInput struct {
	Name       string
	Spec       string
	ParentID   *int64
	Priority   *int
	Complexity *int
	Status     Status
	Owner      string
	Metadata   map[string]string
	ActiveForm *string
}

// UpdateInput collects the partial fields accepted by Manager.Update.
// A nil pointer means "leave unchanged". MetadataDel keys are removed
// from the metadata map after MetadataSet entries are merged in.
type UpdateInput struct {
	Name         *string
	Spec         *string
	Status       *Status
	Priority     **int
	Complexity   **int
	ParentID     **int64
	ActiveForm   **string
	Owner        *string
	MetadataSet  map[string]string
	MetadataDel  []string
	AddBlockedBy []int64
	AddBlocks    []int64
	RemBlockedBy []int64
	RemBlocks    []int64
}

// ListFilter narrows Manager.List.
type ListFilter struct {
	Status   *Status
	ParentID **int64
	Owner    *string
	Tree     bool
	Limit    int
	Offset   int
}

// CompleteResult is returned by Manager.CompleteCurrent.
type CompleteResult struct {
	Task               *Task        `json:"task"`
	WorkspaceCleared   bool         `json:"workspace_cleared"`
	NextStepSuggestion NextStepKind `json:"next_step_suggestion"`
}

// TreeNode nests a task with its children for tree-shaped list output.
type TreeNode struct {
	*Task
	Children []*TreeNode `json:"children,omitempty"`
}

// BuildTree reconstructs the parent/child forest from a flat task
// list, preserving the list's ordering at every level. A task whose
// parent is not in the list surfaces as a root, so a filtered list
// still renders as a forest.
func BuildTree(tasks []*Task) []*TreeNode {
	nodes := make(map[int64]*TreeNode, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = &TreeNode{Task: t}
	}
	var roots []*TreeNode
	for _, t := range tasks {
		node := nodes[t.ID]
		if t.ParentID != nil {
			if parent, ok := nodes[*t.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}
