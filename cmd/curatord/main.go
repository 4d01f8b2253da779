// Command curatord runs the curator background service: it polls for
// submitted sessions, drives them through reconcile, extract, and publish,
// and watches instrument data roots for new files.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"curator/internal/config"
	"curator/internal/daemon"
	"curator/internal/extractors"
	"curator/internal/logging"
	"curator/internal/reconcile"
	"curator/internal/records"
	"curator/internal/services/calendar"
	"curator/internal/sessions"
	"curator/internal/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := sessions.Open(cfg)
	if err != nil {
		logger.Error("open session store", logging.Error(err))
		return
	}
	defer store.Close()

	registry := extractors.DefaultRegistry()
	reconciler := reconcile.New(cfg, registry, store, logger)

	var reservations records.ReservationSource
	if cfg.Calendar.Enabled {
		reservations = calendar.New(cfg.Calendar)
	}
	builder := records.New(cfg, reconciler, registry, reservations, logger)
	manager := workflow.NewManager(cfg, store, builder, logger)

	d, err := daemon.New(cfg, store, logger, manager)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	<-ctx.Done()
	d.Stop()
	logger.Info("curatord shutting down")
}
