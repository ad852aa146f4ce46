// Package main implements the ie CLI: one executable with hierarchical
// subcommands and short top-level aliases over the Intent Engine
// components.
//
// # File Index
//
//   - main.go        - entry point, rootCmd, global flags, output/exit helpers
//   - cmd_task.go    - task add|get|update|delete|list|start|done|switch|spawn-subtask|pick-next|depends-on
//   - cmd_event.go   - event add|list
//   - cmd_search.go  - search <query>
//   - cmd_report.go  - report, current, session-restore, setup-claude-code
//   - cmd_plan.go    - plan (stdin JSON)
//   - cmd_dashboard.go - dashboard start|stop|status
//   - aliases.go     - top-level aliases (add, start, done, switch, log, next, list/ls, context/ctx, get)
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/notify"
	"intentengine/internal/project"
)

var (
	verbose       bool
	workspaceFlag string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ie",
	Short: "Intent Engine - a task-intent tracker for AI coding sessions",
	Long: `ie tracks hierarchical task intent across an AI coding session:
what's being worked on, what it's waiting on, and what happened along
the way, backed by a local SQLite store with full-text search and an
optional live dashboard.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			logging.SetLevel(logging.LevelDebug)
		}
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = ""
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		project.EnsureSessionID(uuid.NewString)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Project directory (default: current)")

	rootCmd.AddCommand(taskCmd, eventCmd, searchCmd, reportCmd, currentCmd,
		planCmd, sessionRestoreCmd, setupClaudeCodeCmd, dashboardCmd)
	registerAliases(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// workspaceDir resolves --workspace to an absolute path, defaulting to
// the process's current directory.
func workspaceDir() (string, error) {
	if workspaceFlag == "" {
		return os.Getwd()
	}
	return filepath.Abs(workspaceFlag)
}

// openProject resolves and opens the project context for the current
// --workspace. allowInit is true for every command
// except those that must fail cleanly against a nonexistent project
// (task get/list/pick-next, event list, search, report, session-restore,
// dashboard status/stop).
func openProject(allowInit bool) (*project.Context, error) {
	cwd, err := workspaceDir()
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindPermissionDenied, "resolve workspace", err)
	}
	return project.Open(cwd, allowInit)
}

// notifierFor builds a best-effort Dashboard Notifier from ctx's
// config. The caller pushes after a successful commit; a missing
// dashboard is the normal case and never surfaces an error.
func notifierFor(ctx *project.Context) *notify.Notifier {
	timeout := time.Duration(ctx.Config.Notifier.TimeoutMillis) * time.Millisecond
	return notify.New(ctx.Config.Notifier.Port, timeout)
}

// run executes fn against an opened project context, emits its result
// as `{data: ...}` JSON to stdout on success, and on failure emits
// `{error, code, details?}` to stdout and exits with the code dictated
// by the error's Kind. allowInit controls whether a missing project
// folder is lazily created or reported as NotAProject.
func run(allowInit bool, fn func(*project.Context) (any, error)) {
	ctx, err := openProject(allowInit)
	if err != nil {
		emitErr(err)
		return
	}
	defer ctx.Close()

	data, err := fn(ctx)
	if err != nil {
		emitErr(err)
		return
	}
	emitData(data)
}

type dataEnvelope struct {
	Data any `json:"data,omitempty"`
}

type errorEnvelope struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func emitData(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if v == nil {
		v = map[string]any{}
	}
	_ = enc.Encode(dataEnvelope{Data: v})
}

// emitErr renders err as the CLI error envelope and exits
// with the matching code: 1 caller error, 2 store error, 3 not a
// project.
func emitErr(err error) {
	kind := ieerrors.KindStoreUnavailable
	var details map[string]any
	if e, ok := ieerrors.As(err); ok {
		kind = e.Kind
		details = e.Details
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(errorEnvelope{Error: err.Error(), Code: string(kind), Details: details})
	os.Exit(kind.ExitCode())
}
