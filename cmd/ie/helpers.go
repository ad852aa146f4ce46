package main

import (
	"database/sql"

	"github.com/spf13/cobra"

	"intentengine/internal/dependency"
	"intentengine/internal/project"
)

// addDependencyEdge wraps dependency.AddEdgeTx in its own transaction
// for the CLI, which (unlike the Planner) has no other mutation in
// the same batch to share a transaction with.
func addDependencyEdge(cmd *cobra.Command, proj *project.Context, blockingID, blockedID int64) error {
	return proj.Store.WithTx(cmd.Context(), func(tx *sql.Tx) error {
		return dependency.AddEdgeTx(cmd.Context(), tx, blockingID, blockedID)
	})
}
