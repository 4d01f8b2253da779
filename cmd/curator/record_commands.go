package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"curator/internal/config"
	"curator/internal/records"
	"curator/internal/sessions"
)

func newRecordCommand(ctx *commandContext) *cobra.Command {
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Build and inspect session records",
	}

	recordCmd.AddCommand(newRecordBuildCommand(ctx))
	recordCmd.AddCommand(newRecordShowCommand(ctx))
	recordCmd.AddCommand(newRecordSerializeCommand(ctx))

	return recordCmd
}

func newRecordBuildCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "build <session-id>",
		Short: "Run the full reconcile, extract, and publish pipeline for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				session, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				builder := newBuilder(cfg, store)
				record, err := builder.Build(cmd.Context(), session)
				if err != nil {
					return err
				}
				session.Status = sessions.StatusCompleted
				session.ErrorMessage = ""
				session.NeedsReview = false
				session.ReviewReason = ""
				if err := store.Update(cmd.Context(), session); err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{
						"session":  session.ID,
						"record":   session.RecordPath,
						"complete": record.Complete,
						"files":    record.FileCount(),
						"warnings": record.Warnings,
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Built record for session %s\n", session.ID)
				fmt.Fprintf(out, "  Path:     %s\n", session.RecordPath)
				fmt.Fprintf(out, "  Complete: %s\n", yesNo(record.Complete))
				fmt.Fprintf(out, "  Files:    %d\n", record.FileCount())
				for _, warning := range record.Warnings {
					fmt.Fprintf(out, "  Warning:  %s\n", warning)
				}
				return nil
			})
		},
	}
}

func newRecordShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Summarize a session's published record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				record, session, err := loadRecord(cmd, ctx, store, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, record)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Record %s (complete: %s)\n", record.ID, yesNo(record.Complete))
				fmt.Fprintf(out, "  Path:       %s\n", session.RecordPath)
				fmt.Fprintf(out, "  Instrument: %s\n", record.Session.Instrument)
				fmt.Fprintf(out, "  Window:     %s .. %s\n", record.Session.Start, record.Session.End)
				if record.Session.Title != "" {
					fmt.Fprintf(out, "  Title:      %s\n", record.Session.Title)
				}
				for _, warning := range record.Warnings {
					fmt.Fprintf(out, "  Warning:    %s\n", warning)
				}
				for _, activity := range record.Acts {
					fmt.Fprintf(out, "  Activity %d: %d file(s), %s .. %s\n",
						activity.Index, len(activity.Files), activity.Start, activity.End)
					for _, file := range activity.Files {
						fmt.Fprintf(out, "    %-12s %s\n", file.Status, file.Path)
					}
				}
				return nil
			})
		},
	}
}

func newRecordSerializeCommand(ctx *commandContext) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "serialize <session-id>",
		Short: "Print a session's record XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				session, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if session.RecordPath == "" {
					return fmt.Errorf("session %s has no published record; run `curator record build %s` first",
						session.ID, session.ID)
				}
				data, err := os.ReadFile(session.RecordPath)
				if err != nil {
					return fmt.Errorf("read record: %w", err)
				}
				if outputPath != "" {
					if err := os.WriteFile(outputPath, data, 0o644); err != nil {
						return fmt.Errorf("write record copy: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outputPath)
					return nil
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the XML to a file instead of stdout")
	return cmd
}

func loadRecord(cmd *cobra.Command, ctx *commandContext, store *sessions.Store, id string) (*records.Record, *sessions.Session, error) {
	session, err := store.GetByID(cmd.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if session.RecordPath == "" {
		return nil, nil, fmt.Errorf("session %s has no published record; run `curator record build %s` first",
			session.ID, session.ID)
	}
	data, err := os.ReadFile(session.RecordPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read record: %w", err)
	}
	record, err := records.DecodeXML(data)
	if err != nil {
		return nil, nil, err
	}
	return record, session, nil
}
