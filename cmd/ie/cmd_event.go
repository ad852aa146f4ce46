package main

import (
	"github.com/spf13/cobra"

	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/notify"
	"intentengine/internal/project"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Record and list events",
}

var (
	eventTaskID string
	eventType   string
	eventBody   string
	eventSince  string
	eventLimit  int
)

var eventAddCmd = &cobra.Command{
	Use:   "add <body>",
	Short: "Record an event, defaulting to the currently focused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run(true, func(ctx *project.Context) (any, error) {
			typ := event.Type(eventType)
			if eventType == "" {
				typ = event.TypeNote
			} else if !event.ValidType(eventType) {
				return nil, ieerrors.New(ieerrors.KindUnknownEventType, eventType, nil)
			}
			var taskID *int64
			if eventTaskID != "" {
				id, err := parseTaskID(eventTaskID)
				if err != nil {
					return nil, err
				}
				taskID = &id
			}
			n := notifierFor(ctx)
			ev, err := event.New(ctx.Store, ctx.SessionID).Add(cmd.Context(), taskID, typ, args[0])
			if err != nil {
				return nil, err
			}
			n.Push(notify.EventAdded, ev)
			return ev, nil
		})
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			var taskID *int64
			if eventTaskID != "" {
				id, err := parseTaskID(eventTaskID)
				if err != nil {
					return nil, err
				}
				taskID = &id
			}
			since, err := event.ParseSinceDuration(eventSince)
			if err != nil {
				return nil, err
			}
			limit := eventLimit
			if limit <= 0 {
				limit = 50
			}
			return event.New(ctx.Store, ctx.SessionID).List(cmd.Context(), taskID, since, limit)
		})
		return nil
	},
}

func init() {
	eventAddCmd.Flags().StringVar(&eventTaskID, "task-id", "", "Task id (default: currently focused task)")
	eventAddCmd.Flags().StringVar(&eventType, "type", "", "Event type: note|decision|blocker|milestone (default: note)")

	eventListCmd.Flags().StringVar(&eventTaskID, "task-id", "", "Filter to one task")
	eventListCmd.Flags().StringVar(&eventSince, "since", "", "Only events since this duration ago, e.g. 2h, 30m, 1d")
	eventListCmd.Flags().IntVar(&eventLimit, "limit", 50, "Max results")

	eventCmd.AddCommand(eventAddCmd, eventListCmd)
}
