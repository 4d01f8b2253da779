package workflow

import (
	"log/slog"
	"sync"
	"time"

	"curator/internal/config"
	"curator/internal/logging"
	"curator/internal/records"
	"curator/internal/sessions"
	"curator/internal/stage"
)

// pipelineStage binds an actionable session status to the handler that
// advances it.
type pipelineStage struct {
	name       string
	from       sessions.Status
	processing sessions.Status
	handler    stage.Handler
}

// Manager polls the store for the oldest actionable session and drives it
// through the pipeline stages, persisting every transition.
type Manager struct {
	cfg          *config.Config
	store        *sessions.Store
	logger       *slog.Logger
	pollInterval time.Duration
	errorRetry   time.Duration

	heartbeat *HeartbeatMonitor
	stages    []pipelineStage
	byStatus  map[sessions.Status]pipelineStage
	nudge     chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  func()
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager with the standard pipeline:
// reconcile, extract, publish, all backed by the record builder.
func NewManager(cfg *config.Config, store *sessions.Store, builder *records.Builder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger.With(logging.String(logging.FieldComponent, "workflow")),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		errorRetry:   time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		byStatus: make(map[sessions.Status]pipelineStage),
		nudge:    make(chan struct{}, 1),
	}
	m.register("reconcile", sessions.StatusPending, sessions.StatusReconciling, newReconcileHandler(builder))
	m.register("extract", sessions.StatusReconciled, sessions.StatusExtracting, newExtractHandler(builder))
	m.register("publish", sessions.StatusExtracted, sessions.StatusPublishing, newPublishHandler(builder))
	return m
}

func (m *Manager) register(name string, from, processing sessions.Status, handler stage.Handler) {
	s := pipelineStage{name: name, from: from, processing: processing, handler: handler}
	m.stages = append(m.stages, s)
	m.byStatus[from] = s
}

// Nudge wakes the poll loop early; the daemon calls it when instrument
// directories change.
func (m *Manager) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// LastError returns the most recent stage or store error, for status output.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) actionableStatuses() []sessions.Status {
	statuses := make([]sessions.Status, 0, len(m.stages))
	for _, s := range m.stages {
		statuses = append(statuses, s.from)
	}
	return statuses
}
