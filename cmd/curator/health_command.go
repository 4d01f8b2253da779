package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"curator/internal/config"
	"curator/internal/sessions"
	"curator/internal/workflow"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipeline readiness and session backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				manager := workflow.NewManager(cfg, store, newBuilder(cfg, store), nil)
				health, err := manager.Health(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				if health.Ready() {
					fmt.Fprintln(out, "Status: ready")
				} else {
					fmt.Fprintln(out, "Status: degraded")
				}
				for _, stage := range health.Stages {
					state := "ok"
					if !stage.Ready {
						state = "unavailable"
					}
					fmt.Fprintf(out, "  Stage %-10s %s", stage.Name, state)
					if stage.Detail != "" {
						fmt.Fprintf(out, " (%s)", stage.Detail)
					}
					fmt.Fprintln(out)
				}
				summary := health.Store
				fmt.Fprintf(out, "Sessions: %d total, %d pending, %d processing, %d failed, %d review, %d completed\n",
					summary.Total, summary.Pending, summary.Processing,
					summary.Failed, summary.Review, summary.Completed)
				return nil
			})
		},
	}
}
