package sessions

import (
	"database/sql"
	"errors"
	"time"
)

const sessionColumns = "id, instrument, start_time, end_time, username, status, " +
	"title, purpose, reservation_id, ambiguous, warnings_json, files_json, " +
	"extraction_json, record_path, record_complete, error_message, " +
	"progress_stage, progress_message, needs_review, review_reason, " +
	"created_at, updated_at, last_heartbeat"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		id               string
		instrument       string
		startRaw         string
		endRaw           string
		username         sql.NullString
		statusStr        string
		title            sql.NullString
		purpose          sql.NullString
		reservationID    sql.NullString
		ambiguous        sql.NullInt64
		warningsJSON     sql.NullString
		filesJSON        sql.NullString
		extractionJSON   sql.NullString
		recordPath       sql.NullString
		recordComplete   sql.NullInt64
		errorMessage     sql.NullString
		progressStage    sql.NullString
		progressMessage  sql.NullString
		needsReview      sql.NullInt64
		reviewReason     sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		lastHeartbeatRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&instrument,
		&startRaw,
		&endRaw,
		&username,
		&statusStr,
		&title,
		&purpose,
		&reservationID,
		&ambiguous,
		&warningsJSON,
		&filesJSON,
		&extractionJSON,
		&recordPath,
		&recordComplete,
		&errorMessage,
		&progressStage,
		&progressMessage,
		&needsReview,
		&reviewReason,
		&createdRaw,
		&updatedRaw,
		&lastHeartbeatRaw,
	); err != nil {
		return nil, err
	}

	session := &Session{
		ID:              id,
		Instrument:      instrument,
		User:            username.String,
		Status:          Status(statusStr),
		Title:           title.String,
		Purpose:         purpose.String,
		ReservationID:   reservationID.String,
		WarningsJSON:    warningsJSON.String,
		FilesJSON:       filesJSON.String,
		ExtractionJSON:  extractionJSON.String,
		RecordPath:      recordPath.String,
		ErrorMessage:    errorMessage.String,
		ProgressStage:   progressStage.String,
		ProgressMessage: progressMessage.String,
		ReviewReason:    reviewReason.String,
	}
	if ambiguous.Valid {
		session.Ambiguous = ambiguous.Int64 != 0
	}
	if recordComplete.Valid {
		session.RecordComplete = recordComplete.Int64 != 0
	}
	if needsReview.Valid {
		session.NeedsReview = needsReview.Int64 != 0
	}

	if start, err := parseTimeString(startRaw); err == nil {
		session.Start = start
	}
	if end, err := parseTimeString(endRaw); err == nil {
		session.End = end
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		session.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		session.UpdatedAt = updated
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			session.LastHeartbeat = &heartbeat
		}
	}
	return session, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
