package sessions

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a session's record build.
type Status string

const (
	StatusPending     Status = "pending"
	StatusReconciling Status = "reconciling"
	StatusReconciled  Status = "reconciled"
	StatusExtracting  Status = "extracting"
	StatusExtracted   Status = "extracted"
	StatusPublishing  Status = "publishing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusReview      Status = "review"
)

var allStatuses = []Status{
	StatusPending,
	StatusReconciling,
	StatusReconciled,
	StatusExtracting,
	StatusExtracted,
	StatusPublishing,
	StatusCompleted,
	StatusFailed,
	StatusReview,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusReconciling: {},
	StatusExtracting:  {},
	StatusPublishing:  {},
}

type statusTransition struct {
	from Status
	to   Status
}

// Rollbacks return an in-flight session to the start of its current stage so
// a resumed build re-enters at the first incomplete step.
var stageRollbackTransitions = []statusTransition{
	{from: StatusReconciling, to: StatusPending},
	{from: StatusExtracting, to: StatusReconciled},
	{from: StatusPublishing, to: StatusExtracted},
}

// Session is an instrument usage window persisted in SQLite together with
// the state accumulated while building its record.
type Session struct {
	ID         string
	Instrument string
	Start      time.Time
	End        time.Time
	User       string

	Status          Status
	Title           string
	Purpose         string
	ReservationID   string
	Ambiguous       bool
	WarningsJSON    string
	FilesJSON       string
	ExtractionJSON  string
	RecordPath      string
	RecordComplete  bool
	ErrorMessage    string
	ProgressStage   string
	ProgressMessage string
	NeedsReview     bool
	ReviewReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastHeartbeat   *time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessing returns true when the status reflects an in-flight stage.
func (s *Session) IsProcessing() bool {
	_, ok := processingStatuses[s.Status]
	return ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether the session has reached a final state.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusReview:
		return true
	default:
		return false
	}
}

// Window returns the session's time span.
func (s *Session) Window() (time.Time, time.Time) {
	return s.Start, s.End
}

// Duration returns End - Start.
func (s *Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// SetWarnings stores the record build warnings as JSON, or clears the column
// when there are none.
func (s *Session) SetWarnings(warnings []string) {
	if len(warnings) == 0 {
		s.WarningsJSON = ""
		return
	}
	encoded, err := json.Marshal(warnings)
	if err != nil {
		return
	}
	s.WarningsJSON = string(encoded)
}

// Warnings decodes the persisted record build warnings. Malformed JSON reads
// as no warnings.
func (s *Session) Warnings() []string {
	if strings.TrimSpace(s.WarningsJSON) == "" {
		return nil
	}
	var warnings []string
	if err := json.Unmarshal([]byte(s.WarningsJSON), &warnings); err != nil {
		return nil
	}
	return warnings
}

// SetProgress updates the progress fields together.
func (s *Session) SetProgress(stage, message string) {
	s.ProgressStage = stage
	s.ProgressMessage = message
}

// SetFailed marks the session as failed with the given error message and
// clears the heartbeat.
func (s *Session) SetFailed(message string) {
	s.Status = StatusFailed
	s.ErrorMessage = message
	s.ProgressStage = "Failed"
	s.ProgressMessage = message
	s.LastHeartbeat = nil
}

// NextStatus returns the status a session advances to when its current
// stage completes.
func NextStatus(status Status) (Status, bool) {
	switch status {
	case StatusPending:
		return StatusReconciling, true
	case StatusReconciling:
		return StatusReconciled, true
	case StatusReconciled:
		return StatusExtracting, true
	case StatusExtracting:
		return StatusExtracted, true
	case StatusExtracted:
		return StatusPublishing, true
	case StatusPublishing:
		return StatusCompleted, true
	default:
		return "", false
	}
}
