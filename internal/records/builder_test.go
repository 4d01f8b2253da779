package records

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"curator/internal/config"
	"curator/internal/extractors"
	"curator/internal/reconcile"
	"curator/internal/services"
	"curator/internal/services/calendar"
	"curator/internal/sessions"
	"curator/internal/testsupport"
)

var buildStart = time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)

func newBuilder(t *testing.T, cfg *config.Config, reservations ReservationSource) *Builder {
	t.Helper()
	registry := extractors.DefaultRegistry()
	reconciler := reconcile.New(cfg, registry, nil, nil)
	return New(cfg, reconciler, registry, reservations, nil)
}

func buildSession(id string) *sessions.Session {
	return &sessions.Session{
		ID:         id,
		Instrument: "SEM1",
		Start:      buildStart,
		End:        buildStart.Add(time.Hour),
		User:       "jdoe",
		Status:     sessions.StatusPending,
	}
}

func TestBuildProducesRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithActivityGap(480))
	root := cfg.Instruments[0].DataRoot
	testsupport.WriteFEITIFF(t, root, "scan1.tif", 8, 8, buildStart.Add(5*time.Minute))
	testsupport.WriteFEITIFF(t, root, "scan2.tif", 8, 8, buildStart.Add(6*time.Minute))
	// Gap larger than the 8 minute threshold starts a second activity.
	testsupport.WriteFEITIFF(t, root, "scan3.tif", 8, 8, buildStart.Add(30*time.Minute))

	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-build")

	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !record.Complete {
		t.Fatalf("record incomplete: %+v", record.Warnings)
	}
	if len(record.Acts) != 2 {
		t.Fatalf("activities = %d, want 2", len(record.Acts))
	}
	if record.FileCount() != 3 {
		t.Fatalf("files = %d, want 3", record.FileCount())
	}
	if session.RecordPath == "" || !session.RecordComplete {
		t.Fatalf("session not updated: path=%q complete=%v", session.RecordPath, session.RecordComplete)
	}
	if _, err := os.Stat(session.RecordPath); err != nil {
		t.Fatalf("record file: %v", err)
	}
	for _, file := range record.Files() {
		if file.Thumbnail.Unavailable {
			t.Fatalf("file %s missing thumbnail", file.Path)
		}
		thumb := filepath.Join(builder.RecordDir(session), filepath.FromSlash(file.Thumbnail.Path))
		if _, err := os.Stat(thumb); err != nil {
			t.Fatalf("thumbnail %s: %v", thumb, err)
		}
	}
}

func TestBuildIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Instruments[0].DataRoot
	testsupport.WriteFEITIFF(t, root, "scan1.tif", 8, 8, buildStart.Add(5*time.Minute))
	testsupport.WriteFile(t, root, "notes.txt", []byte("lab notes"), buildStart.Add(6*time.Minute))

	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-idem")

	if _, err := builder.Build(context.Background(), session); err != nil {
		t.Fatalf("first build: %v", err)
	}
	first, err := os.ReadFile(session.RecordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}

	if _, err := builder.Build(context.Background(), session); err != nil {
		t.Fatalf("second build: %v", err)
	}
	second, err := os.ReadFile(session.RecordPath)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("rebuild changed the record:\n%s\n---\n%s", first, second)
	}
}

func TestBuildEmptySessionIsComplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-empty")

	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !record.Complete {
		t.Fatal("empty session must be complete")
	}
	if record.FileCount() != 0 {
		t.Fatalf("files = %d, want 0", record.FileCount())
	}
}

func TestBuildUnsupportedFileMakesIncomplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Instruments[0].DataRoot
	testsupport.WriteFile(t, root, "notes.txt", []byte("lab notes"), buildStart.Add(time.Minute))

	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-unsup")
	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if record.Complete {
		t.Fatal("unsupported file must make the record incomplete")
	}
	files := record.Files()
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	if files[0].Status != string(extractors.StatusUnsupported) {
		t.Fatalf("status = %q", files[0].Status)
	}
	if !files[0].Thumbnail.Unavailable {
		t.Fatal("unsupported file cannot have a thumbnail")
	}
	params := paramMap(files[0].Params)
	if params["Data Type"] != extractors.Unknown {
		t.Fatalf("params = %v, want sentinel-filled", params)
	}
}

func TestBuildDegradedThumbnailMakesIncomplete(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Instruments[0].DataRoot
	// A 1x1 image extracts fine but cannot be rendered as a preview; the
	// placeholder stands in and the record must say so.
	testsupport.WriteFEITIFF(t, root, "dot.tif", 1, 1, buildStart.Add(5*time.Minute))

	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-degraded")
	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if record.Complete {
		t.Fatal("placeholder preview must make the record incomplete")
	}
	files := record.Files()
	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	if files[0].Thumbnail.Unavailable || files[0].Thumbnail.Path == "" {
		t.Fatalf("placeholder preview should still be referenced: %+v", files[0].Thumbnail)
	}
	found := false
	for _, w := range files[0].Warnings {
		if strings.Contains(w, "thumbnail degraded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want a degraded-thumbnail warning", files[0].Warnings)
	}
}

func TestBuildPersistsWarningsOnSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithCalendar(server.URL))
	client := calendar.New(cfg.Calendar, calendar.WithSleeper(func(time.Duration) {}))
	builder := newBuilder(t, cfg, client)
	session := buildSession("sess-warn-persist")

	if _, err := builder.Build(context.Background(), session); err != nil {
		t.Fatalf("build: %v", err)
	}
	warnings := session.Warnings()
	if len(warnings) == 0 {
		t.Fatalf("WarningsJSON = %q, want the lookup warning persisted", session.WarningsJSON)
	}
	if warnings[0] != "reservation lookup unavailable" {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestBuildLockConflict(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-lock")

	unlock, err := builder.Lock(session.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	if _, err := builder.Build(context.Background(), session); !errors.Is(err, services.ErrLocked) {
		t.Fatalf("err = %v, want lock conflict", err)
	}
}

func TestBuildCalendarEnrichment(t *testing.T) {
	feed := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>urn:reservation:42</id>
    <title>InP nanowire imaging</title>
    <author><name>jdoe</name></author>
    <summary>Phase mapping</summary>
    <start>2024-04-22T09:00:00Z</start>
    <end>2024-04-22T12:00:00Z</end>
  </entry>
</feed>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feed))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithCalendar(server.URL))
	client := calendar.New(cfg.Calendar, calendar.WithSleeper(func(time.Duration) {}))
	builder := newBuilder(t, cfg, client)
	session := buildSession("sess-cal")
	session.User = ""

	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if record.Session.Title != "InP nanowire imaging" {
		t.Fatalf("title = %q", record.Session.Title)
	}
	if record.Session.ReservationID != "urn:reservation:42" {
		t.Fatalf("reservation = %q", record.Session.ReservationID)
	}
	if record.Session.User != "jdoe" {
		t.Fatalf("user = %q", record.Session.User)
	}
	if session.Title == "" || session.ReservationID == "" {
		t.Fatal("enrichment must persist on the session")
	}
}

func TestBuildCalendarFailureDegradesToWarning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithCalendar(server.URL))
	client := calendar.New(cfg.Calendar, calendar.WithSleeper(func(time.Duration) {}))
	builder := newBuilder(t, cfg, client)
	session := buildSession("sess-cal-down")

	record, err := builder.Build(context.Background(), session)
	if err != nil {
		t.Fatalf("build must not fail on calendar outage: %v", err)
	}
	found := false
	for _, w := range record.Warnings {
		if w == "reservation lookup unavailable" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want lookup warning", record.Warnings)
	}
}

func TestBuildSkipsUnchangedFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	root := cfg.Instruments[0].DataRoot
	testsupport.WriteFEITIFF(t, root, "scan1.tif", 8, 8, buildStart.Add(5*time.Minute))

	builder := newBuilder(t, cfg, nil)
	session := buildSession("sess-cache")
	if _, err := builder.Build(context.Background(), session); err != nil {
		t.Fatalf("first build: %v", err)
	}
	firstJSON := session.ExtractionJSON

	if _, err := builder.Build(context.Background(), session); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if session.ExtractionJSON != firstJSON {
		t.Fatal("unchanged file should reuse the cached extraction result")
	}
}
