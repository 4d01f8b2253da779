package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"curator/internal/logging"
	"curator/internal/services"
	"curator/internal/sessions"
	"curator/internal/stage"
)

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runLoop(runCtx)
	return nil
}

// Stop terminates background processing and waits for the in-flight stage
// to wind down. Sessions stay at their last completed state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.heartbeat.ReclaimStale(ctx, m.logger); err != nil {
			m.logger.Warn("reclaim stale sessions failed; stuck sessions may remain",
				logging.Error(err))
		}

		session, err := m.store.NextForStatuses(ctx, m.actionableStatuses()...)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch next session", logging.Error(err))
			m.sleep(ctx, m.errorRetry)
			continue
		}
		if session == nil {
			m.waitForWork(ctx)
			continue
		}

		if err := m.processSession(ctx, session); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-m.nudge:
	case <-timer.C:
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (m *Manager) processSession(ctx context.Context, session *sessions.Session) error {
	st, ok := m.byStatus[session.Status]
	if !ok {
		m.logger.Warn("no stage configured for status",
			logging.String("status", string(session.Status)))
		m.waitForWork(ctx)
		return nil
	}

	stageCtx := services.WithSessionID(ctx, session.ID)
	stageCtx = services.WithStage(stageCtx, st.name)
	stageCtx = services.WithRequestID(stageCtx, uuid.NewString())
	logger := logging.WithContext(stageCtx, m.logger).With(
		logging.String(logging.FieldSessionID, session.ID),
		logging.String(logging.FieldInstrument, session.Instrument),
		logging.String(logging.FieldStage, st.name))

	session.Status = st.processing
	now := time.Now().UTC()
	session.LastHeartbeat = &now
	if err := m.store.Update(stageCtx, session); err != nil {
		m.setLastError(err)
		logger.Error("failed to transition session to processing", logging.Error(err))
		return err
	}

	logger.Info("stage started")
	start := time.Now()

	if err := st.handler.Prepare(stageCtx, session); err != nil {
		m.failStage(stageCtx, logger, st.name, session, err)
		return err
	}
	if err := m.store.Update(stageCtx, session); err != nil {
		m.setLastError(err)
		logger.Error("failed to persist stage preparation", logging.Error(err))
		return err
	}

	execErr := m.executeWithHeartbeat(stageCtx, st.handler, session)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			logger.Debug("stage interrupted by shutdown")
			return execErr
		}
		m.failStage(stageCtx, logger, st.name, session, execErr)
		return execErr
	}

	next, ok := sessions.NextStatus(session.Status)
	if !ok {
		next = sessions.StatusReview
	}
	session.Status = next
	session.ErrorMessage = ""
	session.LastHeartbeat = nil
	if err := m.store.Update(stageCtx, session); err != nil {
		m.setLastError(err)
		logger.Error("failed to persist stage completion", logging.Error(err))
		return err
	}

	logger.Info("stage completed",
		logging.String("status", string(next)),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// executeWithHeartbeat runs the stage while a background loop refreshes the
// session heartbeat so a crashed daemon's work can be reclaimed.
func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, session *sessions.Session) error {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go m.heartbeat.Run(hbCtx, &wg, session.ID)

	err := handler.Execute(ctx, session)
	cancel()
	wg.Wait()
	return err
}

// failureStatus maps a stage error to the session status persisted after the
// stage fails. Validation, configuration, and not-found errors need operator
// attention; everything else stays retryable.
func failureStatus(err error) sessions.Status {
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrConfiguration),
		errors.Is(err, services.ErrNotFound):
		return sessions.StatusReview
	default:
		return sessions.StatusFailed
	}
}

func (m *Manager) failStage(ctx context.Context, logger *slog.Logger, stageName string, session *sessions.Session, stageErr error) {
	m.setLastError(stageErr)

	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = stageName + " failed"
	}
	resolved := failureStatus(stageErr)
	session.SetFailed(message)
	session.Status = resolved
	if resolved == sessions.StatusReview {
		session.NeedsReview = true
		session.ReviewReason = message
	}

	logger.Error("stage failed",
		logging.String("resolved_status", string(resolved)),
		logging.String("error_message", message),
		logging.Error(stageErr))

	if err := m.store.Update(ctx, session); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("failed to persist stage failure", logging.Error(err))
	}
}
