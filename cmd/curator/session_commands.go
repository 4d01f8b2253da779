package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"curator/internal/config"
	"curator/internal/sessions"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage instrument sessions",
	}

	sessionCmd.AddCommand(newSessionSubmitCommand(ctx))
	sessionCmd.AddCommand(newSessionListCommand(ctx))
	sessionCmd.AddCommand(newSessionShowCommand(ctx))
	sessionCmd.AddCommand(newSessionRetryCommand(ctx))
	sessionCmd.AddCommand(newSessionRemoveCommand(ctx))

	return sessionCmd
}

func newSessionSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		instrument  string
		startFlag   string
		endFlag     string
		user        string
		title       string
		purpose     string
		reservation string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a closed session window for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseTimeFlag("start", startFlag)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag("end", endFlag)
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				if _, ok := cfg.InstrumentByID(instrument); !ok {
					return fmt.Errorf("unknown instrument %q; check the configured instruments", instrument)
				}
				session, err := store.Submit(cmd.Context(), sessions.Submission{
					Instrument:    instrument,
					Start:         start,
					End:           end,
					User:          user,
					Title:         title,
					Purpose:       purpose,
					ReservationID: reservation,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, sessionToView(session))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted session %s (%s, %s)\n",
					session.ID, session.Instrument, session.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&instrument, "instrument", "i", "", "Instrument identifier")
	cmd.Flags().StringVar(&startFlag, "start", "", "Session start (RFC 3339)")
	cmd.Flags().StringVar(&endFlag, "end", "", "Session end (RFC 3339)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Session user")
	cmd.Flags().StringVar(&title, "title", "", "Experiment title")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Experiment purpose")
	cmd.Flags().StringVar(&reservation, "reservation", "", "Reservation identifier")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func newSessionListCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFilter string
		activeOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				var filters []sessions.Status
				if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
					status, err := parseStatus(trimmed)
					if err != nil {
						return err
					}
					filters = append(filters, status)
				}
				list, err := store.List(cmd.Context(), filters...)
				if err != nil {
					return err
				}
				if activeOnly {
					active := list[:0]
					for _, session := range list {
						if !session.IsTerminal() {
							active = append(active, session)
						}
					}
					list = active
				}
				if ctx.jsonOutput() {
					views := make([]sessionView, 0, len(list))
					for _, session := range list {
						views = append(views, sessionToView(session))
					}
					return writeJSON(cmd, views)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, session := range list {
					rows = append(rows, []string{
						session.ID,
						session.Instrument,
						string(session.Status),
						session.Start.UTC().Format(time.RFC3339),
						session.End.UTC().Format(time.RFC3339),
						sessionLastEvent(session),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"id", "instrument", "status", "start", "end", "note"},
					rows,
					nil,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter sessions by status")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Hide sessions that reached a final state")
	return cmd
}

func newSessionShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				session, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, sessionToView(session))
				}
				printSessionDetails(cmd, session)
				return nil
			})
		},
	}
}

func newSessionRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [session-id...]",
		Short: "Requeue failed sessions for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				count, err := store.RetryFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d session(s)\n", count)
				return nil
			})
		},
	}
}

func newSessionRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <session-id>",
		Short: "Remove a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *sessions.Store) error {
				session, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if session.IsProcessing() {
					return fmt.Errorf("session %s is mid-stage (%s); stop the daemon or wait for the stage to finish", session.ID, session.Status)
				}
				removed, err := store.Remove(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("session %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s\n", args[0])
				return nil
			})
		},
	}
}

type sessionView struct {
	ID             string     `json:"id"`
	Instrument     string     `json:"instrument"`
	Status         string     `json:"status"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	User           string     `json:"user,omitempty"`
	Title          string     `json:"title,omitempty"`
	Purpose        string     `json:"purpose,omitempty"`
	ReservationID  string     `json:"reservation_id,omitempty"`
	Ambiguous      bool       `json:"ambiguous,omitempty"`
	RecordPath     string     `json:"record_path,omitempty"`
	RecordComplete bool       `json:"record_complete,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
	NeedsReview    bool       `json:"needs_review,omitempty"`
	ReviewReason   string     `json:"review_reason,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
	Progress       string     `json:"progress,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

func sessionToView(session *sessions.Session) sessionView {
	progress := session.ProgressStage
	if session.ProgressMessage != "" {
		progress = strings.TrimSpace(progress + ": " + session.ProgressMessage)
	}
	return sessionView{
		ID:             session.ID,
		Instrument:     session.Instrument,
		Status:         string(session.Status),
		Start:          session.Start.UTC(),
		End:            session.End.UTC(),
		User:           session.User,
		Title:          session.Title,
		Purpose:        session.Purpose,
		ReservationID:  session.ReservationID,
		Ambiguous:      session.Ambiguous,
		RecordPath:     session.RecordPath,
		RecordComplete: session.RecordComplete,
		Warnings:       session.Warnings(),
		NeedsReview:    session.NeedsReview,
		ReviewReason:   session.ReviewReason,
		ErrorMessage:   session.ErrorMessage,
		Progress:       strings.TrimPrefix(progress, ": "),
		CreatedAt:      session.CreatedAt.UTC(),
		UpdatedAt:      session.UpdatedAt.UTC(),
		LastHeartbeat:  session.LastHeartbeat,
	}
}

func printSessionDetails(cmd *cobra.Command, session *sessions.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s\n", session.ID)
	fmt.Fprintf(out, "  Instrument:  %s\n", session.Instrument)
	fmt.Fprintf(out, "  Status:      %s\n", session.Status)
	start, end := session.Window()
	fmt.Fprintf(out, "  Window:      %s .. %s (%s)\n",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), session.Duration())
	if session.User != "" {
		fmt.Fprintf(out, "  User:        %s\n", session.User)
	}
	if session.Title != "" {
		fmt.Fprintf(out, "  Title:       %s\n", session.Title)
	}
	if session.Purpose != "" {
		fmt.Fprintf(out, "  Purpose:     %s\n", session.Purpose)
	}
	if session.ReservationID != "" {
		fmt.Fprintf(out, "  Reservation: %s\n", session.ReservationID)
	}
	if session.Ambiguous {
		fmt.Fprintln(out, "  Ambiguous:   yes (files overlap a neighboring session)")
	}
	if session.RecordPath != "" {
		fmt.Fprintf(out, "  Record:      %s (complete: %s)\n", session.RecordPath, yesNo(session.RecordComplete))
	}
	for _, warning := range session.Warnings() {
		fmt.Fprintf(out, "  Warning:     %s\n", warning)
	}
	if session.NeedsReview {
		fmt.Fprintf(out, "  Review:      %s\n", session.ReviewReason)
	}
	if session.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:       %s\n", session.ErrorMessage)
	}
	if session.ProgressStage != "" {
		fmt.Fprintf(out, "  Progress:    %s %s\n", session.ProgressStage, session.ProgressMessage)
	}
}

func sessionLastEvent(session *sessions.Session) string {
	switch {
	case session.ErrorMessage != "":
		return session.ErrorMessage
	case session.NeedsReview:
		return session.ReviewReason
	case session.ProgressMessage != "":
		return session.ProgressMessage
	case session.RecordPath != "":
		return "record: " + session.RecordPath
	default:
		return ""
	}
}

func parseTimeFlag(name, value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("--%s is required (RFC 3339, e.g. 2024-04-22T09:00:00Z)", name)
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --%s: %w", name, err)
	}
	return parsed.UTC(), nil
}

func parseStatus(value string) (sessions.Status, error) {
	if status, ok := sessions.ParseStatus(value); ok {
		return status, nil
	}
	known := make([]string, 0, len(sessions.AllStatuses()))
	for _, status := range sessions.AllStatuses() {
		known = append(known, string(status))
	}
	sort.Strings(known)
	return "", fmt.Errorf("unknown status %q (known: %s)", value, strings.Join(known, ", "))
}
