// Package testsupport provides shared fixtures for package tests: seeded
// configurations, open stores, and synthetic instrument data files.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"curator/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and a single instrument ("SEM1") rooted in one of them.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.RecordsDir = filepath.Join(base, "records")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Instruments = []config.Instrument{{
		ID:         "SEM1",
		Name:       "Test SEM",
		DataRoot:   filepath.Join(base, "instrument"),
		CalendarID: "SEM1",
		Include:    []string{"**/*"},
		Exclude:    []string{"**/*.tmp"},
	}}
	cfg.Extraction.Workers = 2
	cfg.Extraction.FileTimeoutSeconds = 10
	cfg.Thumbnails.Size = 32

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, instrument := range cfg.Instruments {
		if err := os.MkdirAll(instrument.DataRoot, 0o755); err != nil {
			t.Fatalf("create instrument root: %v", err)
		}
	}
	return &cfg
}

// WithGrace sets the reconciliation grace period in seconds.
func WithGrace(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Reconcile.GraceSeconds = seconds
	}
}

// WithActivityGap sets the activity clustering threshold in seconds.
func WithActivityGap(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Reconcile.ActivityGapSeconds = seconds
	}
}

// WithCalendar enables the calendar client against the given base URL.
func WithCalendar(baseURL string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Calendar.Enabled = true
		cfg.Calendar.BaseURL = baseURL
		cfg.Calendar.Token = "test-token"
		cfg.Calendar.RequestTimeout = 2
		cfg.Calendar.RetryAttempts = 2
	}
}
