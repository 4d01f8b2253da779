package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeInstruments(); err != nil {
		return err
	}
	c.normalizeCalendar()
	c.normalizeReconcile()
	c.normalizeExtraction()
	c.normalizeThumbnails()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.RecordsDir, err = expandPath(c.Paths.RecordsDir); err != nil {
		return fmt.Errorf("paths.records_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeInstruments() error {
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		inst.ID = strings.TrimSpace(inst.ID)
		inst.Name = strings.TrimSpace(inst.Name)
		inst.CalendarID = strings.TrimSpace(inst.CalendarID)
		if inst.CalendarID == "" {
			inst.CalendarID = inst.ID
		}
		var err error
		if inst.DataRoot, err = expandPath(inst.DataRoot); err != nil {
			return fmt.Errorf("instruments[%d].data_root: %w", i, err)
		}
		if len(inst.Include) == 0 {
			inst.Include = []string{"**/*"}
		}
	}
	return nil
}

func (c *Config) normalizeCalendar() {
	c.Calendar.BaseURL = strings.TrimSpace(c.Calendar.BaseURL)
	c.Calendar.Token = strings.TrimSpace(c.Calendar.Token)
	if c.Calendar.Token == "" {
		if value, ok := os.LookupEnv("CURATOR_CALENDAR_TOKEN"); ok {
			c.Calendar.Token = strings.TrimSpace(value)
		}
	}
	if c.Calendar.RequestTimeout <= 0 {
		c.Calendar.RequestTimeout = defaultCalendarRequestTimeout
	}
	if c.Calendar.RetryAttempts <= 0 {
		c.Calendar.RetryAttempts = defaultCalendarRetryAttempts
	}
}

func (c *Config) normalizeReconcile() {
	if c.Reconcile.GraceSeconds < 0 {
		c.Reconcile.GraceSeconds = 0
	}
	if c.Reconcile.ActivityGapSeconds <= 0 {
		c.Reconcile.ActivityGapSeconds = defaultActivityGapSeconds
	}
}

func (c *Config) normalizeExtraction() {
	if c.Extraction.Workers <= 0 {
		c.Extraction.Workers = defaultExtractionWorkers
	}
	if c.Extraction.FileTimeoutSeconds <= 0 {
		c.Extraction.FileTimeoutSeconds = defaultFileTimeoutSeconds
	}
}

func (c *Config) normalizeThumbnails() {
	if c.Thumbnails.Size <= 0 {
		c.Thumbnails.Size = defaultThumbnailSize
	}
	if c.Thumbnails.ClipPercent < 0 || c.Thumbnails.ClipPercent >= 50 {
		c.Thumbnails.ClipPercent = defaultThumbnailClipPercent
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
