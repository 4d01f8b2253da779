package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"curator/internal/config"
	"curator/internal/services"
)

// ErrInvalidWindow is returned by Submit when a session's end does not
// follow its start.
var ErrInvalidWindow = services.Wrap(services.ErrValidation, "sessions", "submit", "session end must be after start", nil)

// ErrMissingInstrument is returned by Submit when no instrument ID is given.
var ErrMissingInstrument = services.Wrap(services.ErrValidation, "sessions", "submit", "session instrument is required", nil)

// Store manages session persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the session database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "sessions.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the on-disk location of the session database.
func (s *Store) Path() string {
	return s.path
}

// Submission carries the fields supplied by the session logging collaborator
// when a closed session is handed to the pipeline.
type Submission struct {
	ID            string
	Instrument    string
	Start         time.Time
	End           time.Time
	User          string
	Title         string
	Purpose       string
	ReservationID string
}

// Submit ingests a closed session. Sessions whose end does not follow their
// start are rejected; everything else is accepted as pending.
func (s *Store) Submit(ctx context.Context, sub Submission) (*Session, error) {
	instrument := strings.TrimSpace(sub.Instrument)
	if instrument == "" {
		return nil, ErrMissingInstrument
	}
	if !sub.End.After(sub.Start) {
		return nil, fmt.Errorf("%w: start=%s end=%s",
			ErrInvalidWindow, sub.Start.UTC().Format(time.RFC3339), sub.End.UTC().Format(time.RFC3339))
	}

	id := strings.TrimSpace(sub.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
            id, instrument, start_time, end_time, username, status,
            title, purpose, reservation_id, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		instrument,
		sub.Start.UTC().Format(time.RFC3339Nano),
		sub.End.UTC().Format(time.RFC3339Nano),
		nullableString(strings.TrimSpace(sub.User)),
		StatusPending,
		nullableString(strings.TrimSpace(sub.Title)),
		nullableString(strings.TrimSpace(sub.Purpose)),
		nullableString(strings.TrimSpace(sub.ReservationID)),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a session by identifier. Unknown identifiers report
// services.ErrNotFound so callers never have to nil-check the session.
func (s *Store) GetByID(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "sessions", "get", fmt.Sprintf("session %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// Update persists changes to an existing session.
func (s *Store) Update(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	session.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
         SET instrument = ?, start_time = ?, end_time = ?, username = ?, status = ?,
             title = ?, purpose = ?, reservation_id = ?, ambiguous = ?, warnings_json = ?,
             files_json = ?, extraction_json = ?, record_path = ?, record_complete = ?,
             error_message = ?, progress_stage = ?, progress_message = ?,
             needs_review = ?, review_reason = ?, updated_at = ?, last_heartbeat = ?
         WHERE id = ?`,
		session.Instrument,
		session.Start.UTC().Format(time.RFC3339Nano),
		session.End.UTC().Format(time.RFC3339Nano),
		nullableString(session.User),
		session.Status,
		nullableString(session.Title),
		nullableString(session.Purpose),
		nullableString(session.ReservationID),
		boolToInt(session.Ambiguous),
		nullableString(session.WarningsJSON),
		nullableString(session.FilesJSON),
		nullableString(session.ExtractionJSON),
		nullableString(session.RecordPath),
		boolToInt(session.RecordComplete),
		nullableString(session.ErrorMessage),
		nullableString(session.ProgressStage),
		nullableString(session.ProgressMessage),
		boolToInt(session.NeedsReview),
		nullableString(session.ReviewReason),
		session.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(session.LastHeartbeat),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// List returns sessions filtered by status set (or all sessions when no
// status is provided), ordered by start time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Session, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + sessionColumns + ` FROM sessions`
	orderClause := ` ORDER BY start_time, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// NextForStatuses returns the oldest session matching any of the provided statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + placeholders + `) ORDER BY created_at, id LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Overlapping returns other sessions on the same instrument whose windows,
// widened by grace on both sides, intersect the given span. Used by the
// reconciler's tie-break.
func (s *Store) Overlapping(ctx context.Context, instrument string, start, end time.Time, grace time.Duration) ([]*Session, error) {
	from := start.Add(-grace).UTC().Format(time.RFC3339Nano)
	to := end.Add(grace).UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions
         WHERE instrument = ? AND start_time <= ? AND end_time >= ?
         ORDER BY start_time, id`,
		instrument,
		to,
		from,
	)
	if err != nil {
		return nil, fmt.Errorf("query overlapping sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// UpdateHeartbeat updates the last heartbeat timestamp for an in-flight session.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// rollbackClause builds the CASE expression and matching IN list that return
// in-flight sessions to the start of their current stage, driven by
// stageRollbackTransitions so the SQL cannot drift from the status model.
func rollbackClause() (caseExpr, inExpr string, caseArgs, inArgs []any) {
	var sb strings.Builder
	sb.WriteString("CASE status")
	holders := make([]string, 0, len(stageRollbackTransitions))
	for _, t := range stageRollbackTransitions {
		sb.WriteString(" WHEN ? THEN ?")
		caseArgs = append(caseArgs, t.from, t.to)
		holders = append(holders, "?")
		inArgs = append(inArgs, t.from)
	}
	sb.WriteString(" ELSE status END")
	return sb.String(), strings.Join(holders, ", "), caseArgs, inArgs
}

// ReclaimStaleProcessing returns sessions stuck in a processing stage to the
// start of that stage when their heartbeats expire.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	caseExpr, inExpr, caseArgs, inArgs := rollbackClause()
	query := `UPDATE sessions
        SET status = ` + caseExpr + `,
            progress_stage = 'Reclaimed from stale processing',
            progress_message = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status IN (` + inExpr + `) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`
	args := append([]any{}, caseArgs...)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, inArgs...)
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckProcessing returns all in-flight sessions to the start of their
// current stage. Called on daemon startup after an unclean shutdown.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	caseExpr, inExpr, caseArgs, inArgs := rollbackClause()
	query := `UPDATE sessions
         SET status = ` + caseExpr + `,
             progress_stage = 'Reset from stuck processing',
             progress_message = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status IN (` + inExpr + `)`
	args := append([]any{}, caseArgs...)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, inArgs...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset stuck sessions: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed sessions back to pending for reprocessing.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE sessions
            SET status = ?, progress_stage = 'Retry requested',
                progress_message = NULL, error_message = NULL, updated_at = ?
            WHERE status = ?`,
			StatusPending,
			time.Now().UTC().Format(time.RFC3339Nano),
			StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed sessions: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, StatusPending, time.Now().UTC().Format(time.RFC3339Nano), StatusFailed)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE sessions
        SET status = ?, progress_stage = 'Retry requested',
            progress_message = NULL, error_message = NULL, updated_at = ?
        WHERE status = ? AND id IN (` + placeholders + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected sessions: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes a session by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats returns a count of sessions grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// HealthSummary describes aggregated session counts per key lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Review     int
	Completed  int
}

// Health aggregates session state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusFailed:
			health.Failed += count
		case StatusReview:
			health.Review += count
		case StatusCompleted:
			health.Completed += count
		default:
			if _, ok := processingStatuses[status]; ok {
				health.Processing += count
			}
		}
	}
	return health, nil
}
