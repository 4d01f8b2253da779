package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"curator/internal/services"
	"curator/internal/sessions"
	"curator/internal/testsupport"
)

var storeStart = time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

func submit(t *testing.T, store *sessions.Store, instrument string, start, end time.Time) *sessions.Session {
	t.Helper()
	session, err := store.Submit(context.Background(), sessions.Submission{
		Instrument: instrument,
		Start:      start,
		End:        end,
		User:       "jdoe",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return session
}

func TestSubmitAndFetch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	session := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	if session.Status != sessions.StatusPending {
		t.Fatalf("expected pending, got %s", session.Status)
	}
	if session.ID == "" {
		t.Fatal("expected generated id")
	}

	fetched, err := store.GetByID(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Instrument != "SEM1" || fetched.User != "jdoe" {
		t.Fatalf("unexpected session: %+v", fetched)
	}
	if !fetched.Start.Equal(storeStart) {
		t.Fatalf("start mismatch: %s", fetched.Start)
	}
}

func TestGetByIDUnknownReportsNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	session, err := store.GetByID(context.Background(), "no-such-session")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected services.ErrNotFound, got %v", err)
	}
	if session != nil {
		t.Fatalf("session = %+v, want nil alongside the error", session)
	}
}

func TestSubmitRejectsInvertedWindow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	_, err := store.Submit(context.Background(), sessions.Submission{
		Instrument: "SEM1",
		Start:      storeStart,
		End:        storeStart,
	})
	if !errors.Is(err, sessions.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("window errors must classify as validation, got %v", err)
	}

	_, err = store.Submit(context.Background(), sessions.Submission{
		Instrument: "SEM1",
		Start:      storeStart,
		End:        storeStart.Add(-time.Minute),
	})
	if !errors.Is(err, sessions.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestSubmitRequiresInstrument(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	_, err := store.Submit(context.Background(), sessions.Submission{
		Start: storeStart,
		End:   storeStart.Add(time.Hour),
	})
	if !errors.Is(err, sessions.ErrMissingInstrument) {
		t.Fatalf("expected ErrMissingInstrument, got %v", err)
	}
}

func TestNextForStatusesReturnsOldestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	second := submit(t, store, "SEM1", storeStart.Add(2*time.Hour), storeStart.Add(3*time.Hour))

	next, err := store.NextForStatuses(ctx, sessions.StatusPending)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected first submission, got %+v", next)
	}

	first.Status = sessions.StatusCompleted
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}

	next, err = store.NextForStatuses(ctx, sessions.StatusPending)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected second submission, got %+v", next)
	}

	next, err = store.NextForStatuses(ctx, sessions.StatusFailed)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no failed sessions, got %+v", next)
	}
}

func TestOverlappingExcludesDistantWindows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	near := submit(t, store, "SEM1", storeStart.Add(30*time.Minute), storeStart.Add(90*time.Minute))
	submit(t, store, "SEM1", storeStart.Add(6*time.Hour), storeStart.Add(7*time.Hour))
	submit(t, store, "TEM2", storeStart, storeStart.Add(time.Hour))

	overlaps, err := store.Overlapping(ctx, "SEM1", storeStart, storeStart.Add(time.Hour), 2*time.Minute)
	if err != nil {
		t.Fatalf("overlapping: %v", err)
	}
	if len(overlaps) != 1 || overlaps[0].ID != near.ID {
		t.Fatalf("expected one overlap, got %d", len(overlaps))
	}
}

func TestReclaimStaleProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	stale := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	stale.Status = sessions.StatusExtracting
	old := time.Now().UTC().Add(-time.Hour)
	stale.LastHeartbeat = &old
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	fresh := submit(t, store, "SEM1", storeStart.Add(2*time.Hour), storeStart.Add(3*time.Hour))
	fresh.Status = sessions.StatusReconciling
	if err := store.Update(ctx, fresh); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.UpdateHeartbeat(ctx, fresh.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed session, got %d", reclaimed)
	}

	got, err := store.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != sessions.StatusReconciled {
		t.Fatalf("stale extracting session should roll back to reconciled, got %s", got.Status)
	}
	if got.LastHeartbeat != nil {
		t.Fatal("reclaimed session should have no heartbeat")
	}

	got, err = store.GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Status != sessions.StatusReconciling {
		t.Fatalf("fresh session should keep its status, got %s", got.Status)
	}
}

func TestResetStuckProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	stuck := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	stuck.Status = sessions.StatusPublishing
	if err := store.Update(ctx, stuck); err != nil {
		t.Fatalf("update: %v", err)
	}

	reset, err := store.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset session, got %d", reset)
	}

	got, err := store.GetByID(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != sessions.StatusExtracted {
		t.Fatalf("stuck publishing session should roll back to extracted, got %s", got.Status)
	}
}

func TestRetryFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	failed := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	failed.SetFailed("extraction blew up")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("update: %v", err)
	}
	healthy := submit(t, store, "SEM1", storeStart.Add(2*time.Hour), storeStart.Add(3*time.Hour))

	count, err := store.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 retried session, got %d", count)
	}

	got, err := store.GetByID(ctx, failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != sessions.StatusPending {
		t.Fatalf("retried session should be pending, got %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("retried session should have no error, got %q", got.ErrorMessage)
	}

	got, err = store.GetByID(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("get healthy: %v", err)
	}
	if got.Status != sessions.StatusPending {
		t.Fatalf("pending session should be untouched, got %s", got.Status)
	}
}

func TestRemove(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	session := submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))

	removed, err := store.Remove(ctx, session.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected session to be removed")
	}

	removed, err = store.Remove(ctx, session.ID)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if removed {
		t.Fatal("second remove should report missing session")
	}
}

func TestHealthSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	submit(t, store, "SEM1", storeStart, storeStart.Add(time.Hour))
	failed := submit(t, store, "SEM1", storeStart.Add(2*time.Hour), storeStart.Add(3*time.Hour))
	failed.SetFailed("boom")
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("update: %v", err)
	}

	summary, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if summary.Total != 2 || summary.Pending != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestNextStatusProgression(t *testing.T) {
	order := []sessions.Status{
		sessions.StatusPending,
		sessions.StatusReconciling,
		sessions.StatusReconciled,
		sessions.StatusExtracting,
		sessions.StatusExtracted,
		sessions.StatusPublishing,
		sessions.StatusCompleted,
	}
	for i := 0; i < len(order)-1; i++ {
		next, ok := sessions.NextStatus(order[i])
		if !ok || next != order[i+1] {
			t.Fatalf("NextStatus(%s) = %s, %t; want %s", order[i], next, ok, order[i+1])
		}
	}
	if _, ok := sessions.NextStatus(sessions.StatusCompleted); ok {
		t.Fatal("completed should have no successor")
	}
}
