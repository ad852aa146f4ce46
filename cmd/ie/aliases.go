package main

import (
	"github.com/spf13/cobra"
)

// aliasOf builds a top-level shortcut for a nested subcommand. The
// alias shares the original's flag set (the same pflag.Flag instances,
// so Changed state and required-flag annotations carry over) and runs
// the original's RunE.
func aliasOf(orig *cobra.Command, use string, aliases ...string) *cobra.Command {
	a := &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   orig.Short,
		Long:    orig.Long,
		Args:    orig.Args,
		RunE:    orig.RunE,
	}
	a.Flags().AddFlagSet(orig.Flags())
	return a
}

// registerAliases wires the short top-level command forms: add, start,
// done, switch, log, next, list/ls, context/ctx, get. Each maps 1:1 to
// its hierarchical counterpart; `search` is already top-level.
func registerAliases(root *cobra.Command) {
	list := aliasOf(taskListCmd, "list [status]", "ls")
	list.Args = cobra.MaximumNArgs(1)
	list.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			taskListStatus = args[0]
		}
		return taskListCmd.RunE(cmd, nil)
	}

	root.AddCommand(
		aliasOf(taskAddCmd, "add"),
		aliasOf(taskStartCmd, "start <id>"),
		aliasOf(taskDoneCmd, "done"),
		aliasOf(taskSwitchCmd, "switch <id>"),
		aliasOf(eventAddCmd, "log <body>"),
		aliasOf(taskPickNextCmd, "next"),
		list,
		aliasOf(sessionRestoreCmd, "context", "ctx"),
		aliasOf(taskGetCmd, "get <id>"),
	)
}
