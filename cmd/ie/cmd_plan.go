package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"intentengine/internal/ieerrors"
	"intentengine/internal/notify"
	"intentengine/internal/planner"
	"intentengine/internal/project"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Apply a declarative task plan read as JSON from stdin",
	Long: `Reads a JSON document of the form {"tasks": [{"name": ..., "children": [...],
"depends_on": [...]}]} from standard input and applies it atomically:
tasks are matched by name (created if missing, updated in place
otherwise), parent links and dependency edges are added, and a node
with "status": "doing" takes focus. Re-running the same plan changes
nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			emitErr(ieerrors.Wrap(ieerrors.KindInvalidArgument, "read plan from stdin", err))
			return nil
		}

		var plan planner.Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			emitErr(ieerrors.Wrap(ieerrors.KindInvalidArgument, "parse plan JSON", err))
			return nil
		}

		run(true, func(ctx *project.Context) (any, error) {
			n := notifierFor(ctx)
			result, err := planner.Apply(cmd.Context(), ctx.Store, ctx.SessionID, plan)
			if err != nil {
				return nil, err
			}
			for _, name := range result.Created {
				n.Push(notify.EventTaskCreated, map[string]any{"id": result.NameToID[name], "name": name})
			}
			for _, name := range result.Updated {
				n.Push(notify.EventTaskUpdated, map[string]any{"id": result.NameToID[name], "name": name})
			}
			if result.FocusedTask != nil {
				n.Push(notify.EventTaskFocused, result.FocusedTask)
			}
			return result, nil
		})
		return nil
	},
}
