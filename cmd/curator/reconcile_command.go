package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"curator/internal/config"
	"curator/internal/extractors"
	"curator/internal/logging"
	"curator/internal/reconcile"
	"curator/internal/sessions"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <session-id>",
		Short: "Preview the files that belong to a session window",
		Long: "Reconcile lists the instrument files whose modification times fall inside " +
			"the session window (plus the configured grace period) without changing " +
			"the session or writing a record.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				session, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				reconciler := reconcile.New(cfg, extractors.DefaultRegistry(), store, logging.NewNop())
				files, err := reconciler.Reconcile(cmd.Context(), session)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, files)
				}
				out := cmd.OutOrStdout()
				if len(files) == 0 {
					fmt.Fprintf(out, "No files matched session %s\n", session.ID)
					return nil
				}
				rows := make([][]string, 0, len(files))
				for _, file := range files {
					rows = append(rows, []string{
						file.RelPath,
						file.Format,
						fmt.Sprintf("%d", file.Size),
						file.ModTime.UTC().Format(time.RFC3339),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"file", "format", "bytes", "modified"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
				))
				fmt.Fprintf(out, "%d file(s) in window", len(files))
				if session.Ambiguous {
					fmt.Fprint(out, " (assignment ambiguous with an overlapping session)")
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}
