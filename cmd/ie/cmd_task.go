package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"intentengine/internal/ieerrors"
	"intentengine/internal/notify"
	"intentengine/internal/project"
	"intentengine/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskName       string
	taskSpec       string
	taskParent     string
	taskPriority   int
	taskComplexity int
	taskOwner      string
	taskStatusFlag string
	taskActiveForm string
	taskMetadata   []string
	taskCascade    bool
	taskWithCtx    bool
	taskListStatus string
	taskListOwner  string
	taskListParent string
	taskListTree   bool
	taskListLimit  int
	taskBlocking   string
	taskAddDeps    []string
	taskRemDeps    []string
)

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			owner := taskOwner
			if owner == "" {
				owner = ctx.Config.DefaultOwner
			}
			in := task.CreateInput{Name: taskName, Spec: taskSpec, Owner: owner}
			if taskParent != "" {
				id, err := parseTaskID(taskParent)
				if err != nil {
					return nil, err
				}
				in.ParentID = &id
			}
			if cmd.Flags().Changed("priority") {
				in.Priority = &taskPriority
			}
			if cmd.Flags().Changed("complexity") {
				in.Complexity = &taskComplexity
			}
			if cmd.Flags().Changed("active-form") {
				in.ActiveForm = &taskActiveForm
			}
			if md, err := parseMetadata(taskMetadata); err != nil {
				return nil, err
			} else if len(md) > 0 {
				in.Metadata = md
			}
			n := notifierFor(ctx)
			t, err := task.New(ctx.Store, ctx.SessionID).Create(cmd.Context(), in)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskCreated, t)
			return t, nil
		})
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a task by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			id, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			mgr := task.New(ctx.Store, ctx.SessionID)
			if taskWithCtx {
				t, tctx, err := mgr.GetWithContext(cmd.Context(), id)
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": t, "context": tctx}, nil
			}
			return mgr.Get(cmd.Context(), id)
		})
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			filter, err := buildListFilter(taskListStatus, taskListOwner, taskListParent, taskListTree, taskListLimit)
			if err != nil {
				return nil, err
			}
			tasks, err := task.New(ctx.Store, ctx.SessionID).List(cmd.Context(), filter)
			if err != nil {
				return nil, err
			}
			if filter.Tree {
				return task.BuildTree(tasks), nil
			}
			return tasks, nil
		})
		return nil
	},
}

func buildListFilter(status, owner, parent string, tree bool, limit int) (task.ListFilter, error) {
	filter := task.ListFilter{Tree: tree, Limit: limit}
	if status != "" {
		if !task.ValidStatus(status) {
			return filter, ieerrors.New(ieerrors.KindUnknownStatus, status, nil)
		}
		s := task.Status(status)
		filter.Status = &s
	}
	if owner != "" {
		filter.Owner = &owner
	}
	if parent != "" {
		if parent == "none" {
			var nilID *int64
			filter.ParentID = &nilID
		} else {
			id, err := parseTaskID(parent)
			if err != nil {
				return filter, err
			}
			filter.ParentID = ptrToPtr(&id)
		}
	}
	return filter, nil
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			id, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			in := task.UpdateInput{}
			if cmd.Flags().Changed("name") {
				in.Name = &taskName
			}
			if cmd.Flags().Changed("spec") {
				in.Spec = &taskSpec
			}
			if cmd.Flags().Changed("status") {
				if !task.ValidStatus(taskStatusFlag) {
					return nil, ieerrors.New(ieerrors.KindUnknownStatus, taskStatusFlag, nil)
				}
				s := task.Status(taskStatusFlag)
				in.Status = &s
			}
			if cmd.Flags().Changed("priority") {
				p := &taskPriority
				in.Priority = &p
			}
			if cmd.Flags().Changed("complexity") {
				c := &taskComplexity
				in.Complexity = &c
			}
			if cmd.Flags().Changed("owner") {
				in.Owner = &taskOwner
			}
			if cmd.Flags().Changed("parent") {
				if taskParent == "none" {
					var nilID *int64
					in.ParentID = &nilID
				} else {
					pid, err := parseTaskID(taskParent)
					if err != nil {
						return nil, err
					}
					in.ParentID = ptrToPtr(&pid)
				}
			}
			set, del, err := parseMetadataOps(taskMetadata)
			if err != nil {
				return nil, err
			}
			in.MetadataSet, in.MetadataDel = set, del

			if in.AddBlockedBy, err = parseTaskIDs(taskAddDeps); err != nil {
				return nil, err
			}
			if in.RemBlockedBy, err = parseTaskIDs(taskRemDeps); err != nil {
				return nil, err
			}

			n := notifierFor(ctx)
			t, err := task.New(ctx.Store, ctx.SessionID).Update(cmd.Context(), id, in)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskUpdated, t)
			return t, nil
		})
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			id, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			n := notifierFor(ctx)
			if err := task.New(ctx.Store, ctx.SessionID).Delete(cmd.Context(), id, taskCascade); err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskDeleted, map[string]int64{"id": id})
			return map[string]int64{"deleted": id}, nil
		})
		return nil
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Focus a task, demoting any prior focus to todo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			id, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			n := notifierFor(ctx)
			t, err := task.New(ctx.Store, ctx.SessionID).Start(cmd.Context(), id)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskFocused, t)
			return t, nil
		})
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done",
	Short: "Complete the currently focused task",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			n := notifierFor(ctx)
			res, err := task.New(ctx.Store, ctx.SessionID).CompleteCurrent(cmd.Context())
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskUpdated, res.Task)
			n.Push(notify.EventTaskUnfocused, map[string]int64{"id": res.Task.ID})
			return res, nil
		})
		return nil
	},
}

var taskSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Switch focus to a different task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			id, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			n := notifierFor(ctx)
			t, err := task.New(ctx.Store, ctx.SessionID).Switch(cmd.Context(), id)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskFocused, t)
			return t, nil
		})
		return nil
	},
}

var taskSpawnSubtaskCmd = &cobra.Command{
	Use:   "spawn-subtask",
	Short: "Create a subtask of the currently focused task and start it",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			in := task.CreateInput{Name: taskName, Spec: taskSpec, Owner: taskOwner}
			n := notifierFor(ctx)
			t, err := task.New(ctx.Store, ctx.SessionID).SpawnSubtask(cmd.Context(), in)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskCreated, t)
			n.Push(notify.EventTaskFocused, t)
			return t, nil
		})
		return nil
	},
}

var taskPickNextCmd = &cobra.Command{
	Use:   "pick-next",
	Short: "Pick the next unblocked todo task",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			return task.New(ctx.Store, ctx.SessionID).PickNext(cmd.Context())
		})
		return nil
	},
}

var taskDependsOnCmd = &cobra.Command{
	Use:   "depends-on <blocked-id>",
	Short: "Add a blocking_id -> blocked_id dependency edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			blockedID, err := parseTaskID(args[0])
			if err != nil {
				return nil, err
			}
			blockingID, err := parseTaskID(taskBlocking)
			if err != nil {
				return nil, err
			}
			n := notifierFor(ctx)
			if err := addDependencyEdge(cmd, ctx, blockingID, blockedID); err != nil {
				return nil, err
			}
			n.Push(notify.EventDependencyAdded, map[string]int64{"blocking_id": blockingID, "blocked_id": blockedID})
			return map[string]int64{"blocking_id": blockingID, "blocked_id": blockedID}, nil
		})
		return nil
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskName, "name", "", "Task name (required)")
	taskAddCmd.Flags().StringVar(&taskSpec, "spec", "", "Task spec/description")
	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task id")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority 1-4")
	taskAddCmd.Flags().IntVar(&taskComplexity, "complexity", 0, "Complexity estimate")
	taskAddCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner (default: configured default_owner)")
	taskAddCmd.Flags().StringVar(&taskActiveForm, "active-form", "", "Present-continuous form shown while doing")
	taskAddCmd.Flags().StringArrayVar(&taskMetadata, "meta", nil, "key=value metadata, repeatable")
	taskAddCmd.MarkFlagRequired("name")

	taskGetCmd.Flags().BoolVar(&taskWithCtx, "with-context", false, "Include ancestors/siblings/descendants/blockers")

	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskListOwner, "owner", "", "Filter by owner")
	taskListCmd.Flags().StringVar(&taskListParent, "parent", "", `Filter by parent id, or "none" for top-level`)
	taskListCmd.Flags().BoolVar(&taskListTree, "tree", false, "Return results nested by parent/child")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 0, "Max results")

	taskUpdateCmd.Flags().StringVar(&taskName, "name", "", "Rename the task")
	taskUpdateCmd.Flags().StringVar(&taskSpec, "spec", "", "Replace the spec")
	taskUpdateCmd.Flags().StringVar(&taskStatusFlag, "status", "", "Set status directly (bypasses focus semantics)")
	taskUpdateCmd.Flags().IntVar(&taskPriority, "priority", 0, "Set priority")
	taskUpdateCmd.Flags().IntVar(&taskComplexity, "complexity", 0, "Set complexity")
	taskUpdateCmd.Flags().StringVar(&taskOwner, "owner", "", "Set owner")
	taskUpdateCmd.Flags().StringVar(&taskParent, "parent", "", `Reparent, or "none" to clear`)
	taskUpdateCmd.Flags().StringArrayVar(&taskMetadata, "meta", nil, `key=value to set, or key= to delete, repeatable`)
	taskUpdateCmd.Flags().StringArrayVar(&taskAddDeps, "add-depends-on", nil, "Task id this task should wait for, repeatable")
	taskUpdateCmd.Flags().StringArrayVar(&taskRemDeps, "rm-depends-on", nil, "Dependency task id to remove, repeatable")

	taskDeleteCmd.Flags().BoolVar(&taskCascade, "cascade", false, "Delete descendants too instead of failing on IncompleteChildren")

	taskSpawnSubtaskCmd.Flags().StringVar(&taskName, "name", "", "Subtask name (required)")
	taskSpawnSubtaskCmd.Flags().StringVar(&taskSpec, "spec", "", "Subtask spec/description")
	taskSpawnSubtaskCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner")
	taskSpawnSubtaskCmd.MarkFlagRequired("name")

	taskDependsOnCmd.Flags().StringVar(&taskBlocking, "blocking-id", "", "The task id that blocks this one (required)")
	taskDependsOnCmd.MarkFlagRequired("blocking-id")

	taskCmd.AddCommand(taskAddCmd, taskGetCmd, taskUpdateCmd, taskDeleteCmd, taskListCmd,
		taskStartCmd, taskDoneCmd, taskSwitchCmd, taskSpawnSubtaskCmd, taskPickNextCmd, taskDependsOnCmd)
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, ieerrors.New(ieerrors.KindInvalidArgument, "invalid task id: "+s, nil)
	}
	return id, nil
}

// parseMetadata parses "key=value" pairs into a map for task creation.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, ieerrors.New(ieerrors.KindInvalidArgument, "invalid --meta entry (want key=value): "+p, nil)
		}
		out[k] = v
	}
	return out, nil
}

// parseMetadataOps splits "key=value" (set) entries from "key="
// (delete) entries for metadata updates.
func parseMetadataOps(pairs []string) (set map[string]string, del []string, err error) {
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, nil, ieerrors.New(ieerrors.KindInvalidArgument, "invalid --meta entry (want key=value or key=): "+p, nil)
		}
		if v == "" {
			del = append(del, k)
			continue
		}
		if set == nil {
			set = map[string]string{}
		}
		set[k] = v
	}
	return set, del, nil
}

func parseTaskIDs(raw []string) ([]int64, error) {
	var ids []int64
	for _, s := range raw {
		id, err := parseTaskID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func ptrToPtr(p *int64) **int64 {
	return &p
}
