package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"curator/internal/config"
	"curator/internal/logging"
	"curator/internal/sessions"
	"curator/internal/workflow"
)

// Daemon coordinates background processing and enforces single-instance
// execution via a lock file.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sessions.Store
	workflow *workflow.Manager
	watcher  *rootWatcher

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	StorePath    string
	LockFilePath string
	Sessions     map[sessions.Status]int
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *sessions.Store, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "curatord.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger.With(logging.String(logging.FieldComponent, "daemon")),
		store:    store,
		workflow: wf,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, launches the workflow manager, and begins
// watching instrument roots for new data.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another curator daemon instance is already running")
	}

	// Recover sessions left mid-stage by an unclean shutdown.
	if reset, err := d.store.ResetStuckProcessing(ctx); err != nil {
		d.logger.Warn("reset stuck sessions", logging.Error(err))
	} else if reset > 0 {
		d.logger.Info("reset stuck sessions", logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	d.cancel = cancel

	watcher, err := newRootWatcher(d.cfg, d.logger, d.workflow.Nudge)
	if err != nil {
		// Watchers are an optimization over polling; the poll loop still
		// picks up work without them.
		d.logger.Warn("instrument watchers unavailable", logging.Error(err))
	} else {
		d.watcher = watcher
		d.watcher.Start(runCtx)
	}

	d.running.Store(true)
	d.logger.Info("curator daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock. Sessions
// stay at their last completed state.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.watcher != nil {
		d.watcher.Stop()
		d.watcher = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("curator daemon stopped")
}

// Running reports whether the daemon has been started.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status summarizes runtime state for CLI display.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		StorePath:    d.store.Path(),
		LockFilePath: d.lockPath,
		Sessions:     stats,
	}, nil
}
