package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateInstruments(); err != nil {
		return err
	}
	if err := c.validateCalendar(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.RecordsDir) == "" {
		return errors.New("paths.records_dir must be set")
	}
	return nil
}

func (c *Config) validateInstruments() error {
	seen := make(map[string]struct{}, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.ID == "" {
			return fmt.Errorf("instruments[%d].id must be set", i)
		}
		key := strings.ToLower(inst.ID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("instruments[%d].id %q is duplicated", i, inst.ID)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(inst.DataRoot) == "" {
			return fmt.Errorf("instruments[%d].data_root must be set", i)
		}
	}
	return nil
}

func (c *Config) validateCalendar() error {
	if !c.Calendar.Enabled {
		return nil
	}
	if c.Calendar.BaseURL == "" {
		return errors.New("calendar.base_url must be set when calendar.enabled is true")
	}
	if c.Calendar.RequestTimeout <= 0 {
		return errors.New("calendar.request_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}
