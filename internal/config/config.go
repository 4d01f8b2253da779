package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	RecordsDir string `toml:"records_dir"`
	LogDir     string `toml:"log_dir"`
}

// Instrument describes one instrument whose data share is harvested.
type Instrument struct {
	ID         string   `toml:"id"`
	Name       string   `toml:"name"`
	DataRoot   string   `toml:"data_root"`
	Include    []string `toml:"include"`
	Exclude    []string `toml:"exclude"`
	CalendarID string   `toml:"calendar_id"`
}

// Calendar contains configuration for the reservation system client.
type Calendar struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	RequestTimeout int    `toml:"request_timeout"`
	RetryAttempts  int    `toml:"retry_attempts"`
}

// Reconcile contains configuration for matching files to session windows.
type Reconcile struct {
	// GraceSeconds widens the session window on both sides to absorb clock
	// skew and late filesystem flushes.
	GraceSeconds int `toml:"grace_seconds"`
	// ActivityGapSeconds is the minimum mtime gap that starts a new
	// acquisition activity within a session.
	ActivityGapSeconds int `toml:"activity_gap_seconds"`
}

// Extraction contains configuration for per-file metadata extraction.
type Extraction struct {
	Workers            int `toml:"workers"`
	FileTimeoutSeconds int `toml:"file_timeout_seconds"`
}

// Thumbnails contains configuration for preview rendering.
type Thumbnails struct {
	Size         int     `toml:"size"`
	ClipPercent  float64 `toml:"clip_percent"`
	StackPreview bool    `toml:"stack_preview"`
}

// Workflow contains configuration for daemon timing and intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for curator.
//
// Configuration sections by subsystem:
//   - Paths: state, record output, and log directories
//   - Instruments: watched data roots keyed by instrument ID
//   - Calendar: reservation system enrichment
//   - Reconcile: session window matching parameters
//   - Extraction: per-file extraction worker pool and timeouts
//   - Thumbnails: preview renderer settings
//   - Workflow: daemon polling intervals and heartbeats
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths        `toml:"paths"`
	Instruments []Instrument `toml:"instruments"`
	Calendar    Calendar     `toml:"calendar"`
	Reconcile   Reconcile    `toml:"reconcile"`
	Extraction  Extraction   `toml:"extraction"`
	Thumbnails  Thumbnails   `toml:"thumbnails"`
	Workflow    Workflow     `toml:"workflow"`
	Logging     Logging      `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/curator/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was actually found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("curator.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// InstrumentByID returns the instrument configuration matching an ID.
func (c *Config) InstrumentByID(id string) (Instrument, bool) {
	needle := strings.TrimSpace(id)
	for _, instrument := range c.Instruments {
		if strings.EqualFold(instrument.ID, needle) {
			return instrument, true
		}
	}
	return Instrument{}, false
}

// EnsureDirectories creates the directories required at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.RecordsDir, c.Paths.LogDir}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", trimmed, err)
	}
	return abs, nil
}
