package main

import (
	"github.com/spf13/cobra"

	"intentengine/internal/project"
	"intentengine/internal/search"
)

var (
	searchLimit         int
	searchIncludeTasks  bool
	searchIncludeEvents bool
	searchRebuild       bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over task names/specs and event bodies",
	Args:  cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			engine := search.New(ctx.Store)
			if searchRebuild {
				if err := engine.Rebuild(cmd.Context()); err != nil {
					return nil, err
				}
				if len(args) == 0 {
					return map[string]any{"rebuilt": true}, nil
				}
			}
			params := search.DefaultParams()
			if cmd.Flags().Changed("limit") {
				params.Limit = searchLimit
			}
			if cmd.Flags().Changed("tasks-only") && searchIncludeTasks {
				params.IncludeEvents = false
			}
			if cmd.Flags().Changed("events-only") && searchIncludeEvents {
				params.IncludeTasks = false
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return engine.Query(cmd.Context(), query, params)
		})
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Max results")
	searchCmd.Flags().BoolVar(&searchIncludeTasks, "tasks-only", false, "Only search tasks")
	searchCmd.Flags().BoolVar(&searchIncludeEvents, "events-only", false, "Only search events")
	searchCmd.Flags().BoolVar(&searchRebuild, "rebuild", false, "Rebuild the search indexes from the base tables first")
}
