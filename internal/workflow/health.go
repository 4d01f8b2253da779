package workflow

import (
	"context"

	"curator/internal/sessions"
	"curator/internal/stage"
)

// Health bundles the store summary with per-stage readiness.
type Health struct {
	Store  sessions.HealthSummary
	Stages []stage.Health
}

// Ready reports whether every stage is ready.
func (h Health) Ready() bool {
	for _, s := range h.Stages {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Health runs every stage's health check and summarizes the store.
func (m *Manager) Health(ctx context.Context) (Health, error) {
	summary, err := m.store.Health(ctx)
	if err != nil {
		return Health{}, err
	}
	out := Health{Store: summary}
	for _, s := range m.stages {
		out.Stages = append(out.Stages, s.handler.HealthCheck(ctx))
	}
	return out, nil
}
