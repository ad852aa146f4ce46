package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intentengine/internal/dashboard"
	"intentengine/internal/ieerrors"
	"intentengine/internal/project"
)

const dashboardLockName = "dashboard.lock"

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run and manage the local dashboard server",
}

var dashboardStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dashboard server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openProject(true)
		if err != nil {
			emitErr(err)
			return nil
		}
		defer ctx.Close()

		bind := net.JoinHostPort(ctx.Config.Dashboard.BindAddress, strconv.Itoa(ctx.Config.Dashboard.Port))
		svc := dashboard.New(ctx.Store, ctx.SessionID, bind, ctx.Config.Dashboard.CORS)
		lockPath := filepath.Join(ctx.StateDir, dashboardLockName)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			svc.Stop(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "dashboard listening on http://%s\n", bind)
		if err := svc.Start(lockPath, ctx.Config.Notifier.Port); err != nil && err != http.ErrServerClosed {
			emitErr(err)
			return nil
		}
		emitData(map[string]any{"stopped": true})
		return nil
	},
}

var dashboardStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			pid, alive := dashboardPID(ctx)
			if !alive {
				return nil, ieerrors.New(ieerrors.KindInvalidArgument, "no dashboard is running for this project", nil)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "find dashboard process", err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return nil, ieerrors.Wrap(ieerrors.KindPermissionDenied, "signal dashboard process", err)
			}
			return map[string]any{"stopped_pid": pid}, nil
		})
		return nil
	},
}

var dashboardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a dashboard server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		run(false, func(ctx *project.Context) (any, error) {
			pid, alive := dashboardPID(ctx)
			status := map[string]any{"running": alive}
			if alive {
				status["pid"] = pid
				status["address"] = net.JoinHostPort(ctx.Config.Dashboard.BindAddress, strconv.Itoa(ctx.Config.Dashboard.Port))
			}
			return status, nil
		})
		return nil
	},
}

// dashboardPID reads the pid recorded next to the dashboard lock file
// and probes whether that process is still alive.
func dashboardPID(ctx *project.Context) (int, bool) {
	pidPath := filepath.Join(ctx.StateDir, dashboardLockName+".pid")
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

func init() {
	dashboardCmd.AddCommand(dashboardStartCmd, dashboardStopCmd, dashboardStatusCmd)
}
