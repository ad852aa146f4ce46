// Package restore assembles a snapshot of where a session left off,
// suitable for replaying at the start of a new session.
package restore

import (
	"context"
	"fmt"

	"intentengine/internal/dependency"
	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

// specPreviewLimit truncates the focused task's spec so the snapshot
// stays readable at a glance.
const specPreviewLimit = 100

// defaultRecentEvents is the default number of recent events a
// snapshot carries.
const defaultRecentEvents = 3

// Status is the top-level outcome of a Snapshot call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusNoFocus Status = "no_focus"
)

// ParentRef identifies the focused task's parent without carrying
// the parent's full body.
type ParentRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Snapshot is the restore payload.
type Snapshot struct {
	Status             Status         `json:"status"`
	Focused            *task.Task     `json:"focused,omitempty"`
	SpecPreview        string         `json:"spec_preview,omitempty"`
	Parent             *ParentRef     `json:"parent,omitempty"`
	SiblingCounts      map[string]int `json:"sibling_counts,omitempty"`
	RecentDoneSiblings []*task.Task   `json:"recent_done_siblings,omitempty"`
	ChildCounts        map[string]int `json:"child_counts,omitempty"`
	OpenChildren       []*task.Task   `json:"open_children,omitempty"`
	RecentEvents       []*event.Event `json:"recent_events,omitempty"`
	Suggestions        []string       `json:"suggested_commands,omitempty"`

	// TaskCounts is populated only when Status is no_focus: global task
	// counts by status, for suggesting what to pick up next.
	TaskCounts map[string]int `json:"task_counts,omitempty"`
}

// Restorer builds snapshots against an open Store.
type Restorer struct {
	st     *store.Store
	tasks  *task.Manager
	events *event.Manager
}

// New builds a Restorer bound to st.
func New(st *store.Store, sessionID string) *Restorer {
	return &Restorer{st: st, tasks: task.New(st, sessionID), events: event.New(st, sessionID)}
}

// Snapshot assembles the current-session snapshot: the focused task
// (truncated spec preview), its parent, sibling and child counts,
// recent events, and suggested next commands. If
// nothing is focused, it returns Status: no_focus with global task
// counts rather than erroring, since an empty workspace is a valid
// state to restore into.
func (r *Restorer) Snapshot(ctx context.Context, recentEventLimit int) (*Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryRestore, "Snapshot")
	defer timer.Stop()

	focused, err := r.tasks.Focus(ctx)
	if err != nil {
		return nil, err
	}
	if focused == nil {
		logging.Restore("snapshot: no focus")
		return r.noFocusSnapshot(ctx)
	}

	if recentEventLimit <= 0 {
		recentEventLimit = defaultRecentEvents
	}

	snap := &Snapshot{
		Status:      StatusSuccess,
		Focused:     focused,
		SpecPreview: truncate(focused.Spec, specPreviewLimit),
	}

	var siblings []*task.Task
	if focused.ParentID != nil {
		parent, err := r.tasks.Get(ctx, *focused.ParentID)
		if err != nil && !ieerrors.Is(err, ieerrors.KindTaskNotFound) {
			return nil, err
		}
		if parent != nil {
			snap.Parent = &ParentRef{ID: parent.ID, Name: parent.Name}
		}

		siblings, err = r.tasks.List(ctx, task.ListFilter{ParentID: doublePtr(focused.ParentID)})
		if err != nil {
			return nil, err
		}
		snap.SiblingCounts = map[string]int{}
		for _, s := range siblings {
			if s.ID == focused.ID {
				continue
			}
			snap.SiblingCounts[string(s.Status)]++
			if s.Status == task.StatusDone {
				snap.RecentDoneSiblings = append(snap.RecentDoneSiblings, s)
			}
		}
	}

	children, err := r.tasks.List(ctx, task.ListFilter{ParentID: doublePtr(&focused.ID)})
	if err != nil {
		return nil, err
	}
	snap.ChildCounts = map[string]int{}
	for _, c := range children {
		snap.ChildCounts[string(c.Status)]++
		if c.Status != task.StatusDone {
			snap.OpenChildren = append(snap.OpenChildren, c)
		}
	}

	events, err := r.events.List(ctx, &focused.ID, 0, recentEventLimit)
	if err != nil {
		return nil, err
	}
	snap.RecentEvents = events

	blocked, blockers, err := blockedState(ctx, r.st, focused.ID)
	if err != nil {
		return nil, err
	}

	snap.Suggestions = suggestCommands(focused, len(snap.OpenChildren), blocked, blockers, events)

	logging.Restore("snapshot: focused task %d, %d recent events", focused.ID, len(events))
	return snap, nil
}

func (r *Restorer) noFocusSnapshot(ctx context.Context) (*Snapshot, error) {
	all, err := r.tasks.List(ctx, task.ListFilter{})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, t := range all {
		counts[string(t.Status)]++
	}
	suggestions := []string{"ie task pick-next", "ie task add --name \"...\""}
	if counts[string(task.StatusTodo)] == 0 && counts[string(task.StatusDoing)] == 0 {
		suggestions = []string{"workspace is clear; ie task add --name \"...\" to start something new"}
	}
	return &Snapshot{Status: StatusNoFocus, TaskCounts: counts, Suggestions: suggestions}, nil
}

// blockedState reports whether taskID is currently blocked, and by
// which task IDs, for the suggestion heuristics below.
func blockedState(ctx context.Context, st *store.Store, taskID int64) (bool, []int64, error) {
	blocked, err := dependency.IsBlocked(ctx, st.DB(), taskID)
	if err != nil {
		return false, nil, err
	}
	if !blocked {
		return false, nil, nil
	}
	blockers, err := dependency.BlockersOf(ctx, st.DB(), taskID)
	if err != nil {
		return false, nil, err
	}
	return true, blockers, nil
}

// suggestCommands picks the CLI commands most likely useful given
// the focused task's current state: encourage recording a decision
// when a blocker was recent, completing when no children remain.
func suggestCommands(focused *task.Task, openChildren int, blocked bool, blockers []int64, recent []*event.Event) []string {
	var out []string
	if blocked {
		out = append(out, fmt.Sprintf("blocked by %v; ie event add --type blocker \"...\"", blockers))
		return out
	}
	if openChildren > 0 {
		out = append(out, "ie task pick-next")
		return out
	}
	for _, ev := range recent {
		if ev.Type == event.TypeBlocker {
			out = append(out, "ie event add --type decision \"...\" to record how the blocker was resolved")
			break
		}
	}
	out = append(out, "ie task done")
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func doublePtr(p *int64) **int64 {
	return &p
}
