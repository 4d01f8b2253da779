package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"curator/internal/logging"
	"curator/internal/sessions"
)

// HeartbeatMonitor refreshes heartbeats for in-flight sessions and reclaims
// sessions whose daemon died mid-stage.
type HeartbeatMonitor struct {
	store    *sessions.Store
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store *sessions.Store, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HeartbeatMonitor{store: store, logger: logger, interval: interval, timeout: timeout}
}

// ReclaimStale rolls sessions with expired heartbeats back to the start of
// their current stage.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, logger *slog.Logger) error {
	if h.timeout <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-h.timeout)
	reclaimed, err := h.store.ReclaimStaleProcessing(ctx, cutoff)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		logger.Info("reclaimed stale sessions", logging.Int64("count", reclaimed))
	}
	return nil
}

// Run refreshes one session's heartbeat until the context is canceled.
func (h *HeartbeatMonitor) Run(ctx context.Context, wg *sync.WaitGroup, sessionID string) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := h.logger.With(
		logging.String(logging.FieldComponent, "workflow-heartbeat"),
		logging.String(logging.FieldSessionID, sessionID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, sessionID); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
