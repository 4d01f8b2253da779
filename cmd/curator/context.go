package main

import (
	"strings"
	"sync"

	"curator/internal/config"
	"curator/internal/extractors"
	"curator/internal/logging"
	"curator/internal/reconcile"
	"curator/internal/records"
	"curator/internal/services/calendar"
	"curator/internal/sessions"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) withStore(fn func(*config.Config, *sessions.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := sessions.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// newBuilder wires the record builder the same way the daemon does, so CLI
// builds and daemon builds produce identical output.
func newBuilder(cfg *config.Config, store *sessions.Store) *records.Builder {
	registry := extractors.DefaultRegistry()
	reconciler := reconcile.New(cfg, registry, store, logging.NewNop())

	var reservations records.ReservationSource
	if cfg.Calendar.Enabled {
		reservations = calendar.New(cfg.Calendar)
	}
	return records.New(cfg, reconciler, registry, reservations, logging.NewNop())
}
