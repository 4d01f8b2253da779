package workflow

import (
	"context"
	"fmt"

	"curator/internal/records"
	"curator/internal/sessions"
	"curator/internal/stage"
)

// Each handler runs one builder stage under the per-session build lock, so
// a daemon stage and a CLI one-shot build can never interleave.

type reconcileHandler struct {
	builder *records.Builder
}

func newReconcileHandler(builder *records.Builder) *reconcileHandler {
	return &reconcileHandler{builder: builder}
}

func (h *reconcileHandler) Prepare(_ context.Context, session *sessions.Session) error {
	session.SetProgress("reconcile", "listing instrument files")
	return nil
}

func (h *reconcileHandler) Execute(ctx context.Context, session *sessions.Session) error {
	unlock, err := h.builder.Lock(session.ID)
	if err != nil {
		return err
	}
	defer unlock()

	files, err := h.builder.Reconcile(ctx, session)
	if err != nil {
		return err
	}
	session.SetProgress("reconcile", fmt.Sprintf("matched %d files", len(files)))
	return nil
}

func (h *reconcileHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("reconcile")
}

type extractHandler struct {
	builder *records.Builder
}

func newExtractHandler(builder *records.Builder) *extractHandler {
	return &extractHandler{builder: builder}
}

func (h *extractHandler) Prepare(_ context.Context, session *sessions.Session) error {
	session.SetProgress("extract", "reading instrument metadata")
	return nil
}

func (h *extractHandler) Execute(ctx context.Context, session *sessions.Session) error {
	unlock, err := h.builder.Lock(session.ID)
	if err != nil {
		return err
	}
	defer unlock()

	results, err := h.builder.Extract(ctx, session)
	if err != nil {
		return err
	}
	session.SetProgress("extract", fmt.Sprintf("extracted %d files", len(results)))
	return nil
}

func (h *extractHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("extract")
}

type publishHandler struct {
	builder *records.Builder
}

func newPublishHandler(builder *records.Builder) *publishHandler {
	return &publishHandler{builder: builder}
}

func (h *publishHandler) Prepare(_ context.Context, session *sessions.Session) error {
	session.SetProgress("publish", "assembling record")
	return nil
}

func (h *publishHandler) Execute(ctx context.Context, session *sessions.Session) error {
	unlock, err := h.builder.Lock(session.ID)
	if err != nil {
		return err
	}
	defer unlock()

	record, _, err := h.builder.Publish(ctx, session)
	if err != nil {
		return err
	}
	session.SetProgress("publish", fmt.Sprintf("record written, complete=%t", record.Complete))
	return nil
}

func (h *publishHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("publish")
}
