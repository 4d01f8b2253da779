package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"curator/internal/config"
	"curator/internal/daemon"
	"curator/internal/logging"
	"curator/internal/sessions"
	"curator/internal/workflow"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and inspect the background service",
	}

	daemonCmd.AddCommand(newDaemonRunCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))

	return daemonCmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the curator daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := sessions.Open(cfg)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer store.Close()

			builder := newBuilder(cfg, store)
			manager := workflow.NewManager(cfg, store, builder, logger)
			d, err := daemon.New(cfg, store, logger, manager)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Start(signalCtx); err != nil {
				return err
			}

			<-signalCtx.Done()
			d.Stop()
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon is running and summarize its sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				running := daemonLockHeld(cfg)
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{
						"running":  running,
						"store":    store.Path(),
						"sessions": stats,
					})
				}
				inFlight := 0
				for status, count := range stats {
					if sessions.IsProcessingStatus(status) {
						inFlight += count
					}
				}
				out := cmd.OutOrStdout()
				if running {
					fmt.Fprintln(out, "Daemon: running")
				} else {
					fmt.Fprintln(out, "Daemon: not running")
				}
				fmt.Fprintf(out, "Store:  %s\n", store.Path())
				fmt.Fprintf(out, "Mid-stage sessions: %d\n", inFlight)
				if len(stats) == 0 {
					fmt.Fprintln(out, "No sessions recorded")
					return nil
				}
				statuses := make([]string, 0, len(stats))
				for status := range stats {
					statuses = append(statuses, string(status))
				}
				sort.Strings(statuses)
				rows := make([][]string, 0, len(statuses))
				for _, status := range statuses {
					rows = append(rows, []string{status, fmt.Sprintf("%d", stats[sessions.Status(status)])})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"status", "sessions"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

// daemonLockHeld checks the daemon lock file. Taking the lock briefly is
// safe: a running daemon keeps it, so the attempt fails, and when no daemon
// runs the lock is acquired and released immediately.
func daemonLockHeld(cfg *config.Config) bool {
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "curatord.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = lock.Unlock()
		return false
	}
	return true
}
