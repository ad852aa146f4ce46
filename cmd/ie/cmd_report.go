package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/notify"
	"intentengine/internal/project"
	"intentengine/internal/restore"
	"intentengine/internal/task"
)

var (
	reportSince       string
	reportStatus      string
	reportSummaryOnly bool

	currentSetID string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize tasks and recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			filter, err := buildListFilter(reportStatus, "", "", false, 0)
			if err != nil {
				return nil, err
			}
			tasks, err := task.New(ctx.Store, ctx.SessionID).List(cmd.Context(), filter)
			if err != nil {
				return nil, err
			}

			counts := map[string]int{}
			for _, t := range tasks {
				counts[string(t.Status)]++
			}
			if reportSummaryOnly {
				return map[string]any{"counts": counts, "total": len(tasks)}, nil
			}

			since, err := event.ParseSinceDuration(reportSince)
			if err != nil {
				return nil, err
			}
			events, err := event.New(ctx.Store, ctx.SessionID).List(cmd.Context(), nil, since, 50)
			if err != nil {
				return nil, err
			}
			return map[string]any{"counts": counts, "total": len(tasks), "tasks": tasks, "recent_events": events}, nil
		})
		return nil
	},
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show (or set) the currently focused task",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			mgr := task.New(ctx.Store, ctx.SessionID)
			if currentSetID == "" {
				return mgr.Focus(cmd.Context())
			}
			id, err := parseTaskID(currentSetID)
			if err != nil {
				return nil, err
			}
			n := notifierFor(ctx)
			t, err := mgr.Switch(cmd.Context(), id)
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventTaskFocused, t)
			return t, nil
		})
		return nil
	},
}

var sessionRestoreCmd = &cobra.Command{
	Use:   "session-restore",
	Short: "Snapshot where the session left off",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			return restore.New(ctx.Store, ctx.SessionID).Snapshot(cmd.Context(), 0)
		})
		return nil
	},
}

var setupClaudeCodeCmd = &cobra.Command{
	Use:   "setup-claude-code",
	Short: "Write a SessionStart hook script that replays ie context into new sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			hookDir := filepath.Join(ctx.Root, ".claude", "hooks")
			if err := os.MkdirAll(hookDir, 0755); err != nil {
				return nil, ieerrors.Wrap(ieerrors.KindPermissionDenied, "create "+hookDir, err)
			}
			script := "#!/bin/sh\n# Prints the current intent-engine focus so a new session starts with context.\nexec ie session-restore\n"
			hookPath := filepath.Join(hookDir, "session-start.sh")
			if err := os.WriteFile(hookPath, []byte(script), 0755); err != nil {
				return nil, ieerrors.Wrap(ieerrors.KindPermissionDenied, "write "+hookPath, err)
			}
			return map[string]any{"hook": hookPath}, nil
		})
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportSince, "since", "", "Only include events since this duration ago")
	reportCmd.Flags().StringVar(&reportStatus, "status", "", "Filter tasks by status")
	reportCmd.Flags().BoolVar(&reportSummaryOnly, "summary-only", false, "Omit task/event detail, counts only")

	currentCmd.Flags().StringVar(&currentSetID, "set", "", "Switch focus to this task id")
}
