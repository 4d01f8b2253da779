package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"curator/internal/config"
	"curator/internal/extractors"
	"curator/internal/logging"
	"curator/internal/reconcile"
	"curator/internal/services"
	"curator/internal/services/calendar"
	"curator/internal/sessions"
	"curator/internal/thumbs"
)

// ExtractionResult pairs a reconciled data file with its extraction
// outcome. Thumbnail is the record-relative preview path, empty when no
// preview could be produced. HadImaging remembers whether the file carried
// renderable data, so completeness can be judged after the pixels are gone.
type ExtractionResult struct {
	File       reconcile.DataFile  `json:"file"`
	Metadata   extractors.Metadata `json:"metadata"`
	Thumbnail  string              `json:"thumbnail,omitempty"`
	HadImaging bool                `json:"had_imaging,omitempty"`
}

// ReservationSource provides calendar bookings for record enrichment.
type ReservationSource interface {
	Reservations(ctx context.Context, calendarID string, start, end time.Time) ([]calendar.Reservation, error)
}

// Builder assembles research records for closed sessions. Stages mutate the
// session's persisted JSON fields; persisting the session itself is the
// caller's responsibility.
type Builder struct {
	cfg          *config.Config
	reconciler   *reconcile.Reconciler
	registry     *extractors.Registry
	renderer     *thumbs.Renderer
	reservations ReservationSource
	logger       *slog.Logger
}

// New returns a record builder. reservations may be nil when the calendar
// integration is disabled.
func New(cfg *config.Config, reconciler *reconcile.Reconciler, registry *extractors.Registry, reservations ReservationSource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{
		cfg:          cfg,
		reconciler:   reconciler,
		registry:     registry,
		renderer:     thumbs.New(cfg.Thumbnails.Size, cfg.Thumbnails.ClipPercent),
		reservations: reservations,
		logger:       logger.With(logging.String(logging.FieldComponent, "records")),
	}
}

// Build runs every stage for one session under the per-session build lock:
// reconcile, extract, publish. A concurrent build of the same session fails
// immediately with ErrLocked.
func (b *Builder) Build(ctx context.Context, session *sessions.Session) (*Record, error) {
	unlock, err := b.acquireLock(session.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := b.Reconcile(ctx, session); err != nil {
		return nil, err
	}
	if _, err := b.Extract(ctx, session); err != nil {
		return nil, err
	}
	record, _, err := b.Publish(ctx, session)
	return record, err
}

// Lock acquires the per-session build lock for callers that run stages
// individually. The returned release function is safe to call once.
func (b *Builder) Lock(sessionID string) (func(), error) {
	return b.acquireLock(sessionID)
}

func (b *Builder) acquireLock(sessionID string) (func(), error) {
	dir := filepath.Join(b.cfg.Paths.DataDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "records", "lock",
			"create lock directory", err)
	}
	lock := flock.New(filepath.Join(dir, "build-"+sessionID+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalService, "records", "lock",
			"acquire build lock", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrLocked, "records", "lock",
			"session "+sessionID+" is already being built", nil)
	}
	return func() { _ = lock.Unlock() }, nil
}

// Reconcile finds the session's data files and persists them on the
// session. An empty result is recorded, not an error.
func (b *Builder) Reconcile(ctx context.Context, session *sessions.Session) ([]reconcile.DataFile, error) {
	files, err := b.reconciler.Reconcile(ctx, session)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(files)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "reconcile",
			"encode file list", err)
	}
	session.FilesJSON = string(encoded)
	return files, nil
}

// Extract runs metadata extraction over the session's reconciled files on a
// bounded worker pool and persists the results. Results from a previous run
// are reused when the file's mtime is unchanged, so rebuilding an untouched
// session does no extraction work and reproduces identical output.
func (b *Builder) Extract(ctx context.Context, session *sessions.Session) ([]ExtractionResult, error) {
	files, err := decodeFiles(session.FilesJSON)
	if err != nil {
		return nil, err
	}
	cache := decodeResultCache(session.ExtractionJSON)

	results := make([]ExtractionResult, len(files))
	workers := b.cfg.Extraction.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := time.Duration(b.cfg.Extraction.FileTimeoutSeconds) * time.Second

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, file := range files {
		if cached, ok := cache[file.RelPath]; ok && b.reusable(session, cached, file) {
			results[i] = cached
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, file reconcile.DataFile) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = b.extractOne(ctx, session, file, timeout)
		}(i, file)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "extract",
			"encode extraction results", err)
	}
	session.ExtractionJSON = string(encoded)
	return results, nil
}

// reusable reports whether a cached result still stands for the file.
// Failed extractions are only retried when the file changed; a cached
// imaging result additionally requires its preview to still exist.
func (b *Builder) reusable(session *sessions.Session, cached ExtractionResult, file reconcile.DataFile) bool {
	if !cached.File.ModTime.Equal(file.ModTime) || cached.File.Size != file.Size {
		return false
	}
	if cached.HadImaging && cached.Thumbnail != "" {
		thumb := filepath.Join(b.recordDir(session), filepath.FromSlash(unescapePath(cached.Thumbnail)))
		if _, err := os.Stat(thumb); err != nil {
			return false
		}
	}
	return true
}

func (b *Builder) extractOne(ctx context.Context, session *sessions.Session, file reconcile.DataFile, timeout time.Duration) ExtractionResult {
	fileCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fileCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := ExtractionResult{File: file}
	meta, err := b.registry.Extract(fileCtx, file.Path)
	if err != nil {
		meta = extractors.NewMetadata(file.Format, extractors.StatusPartial)
		meta.Warn(fmt.Sprintf("extraction aborted: %v", err))
	}
	result.Metadata = *meta
	result.HadImaging = meta.HasImaging()

	if result.HadImaging {
		rel := thumbs.Path(file.RelPath)
		dest := filepath.Join(b.recordDir(session), filepath.FromSlash(rel))
		degraded, err := b.renderer.WriteFile(dest, meta.Datasets[0])
		switch {
		case err != nil:
			result.Metadata.Warn(fmt.Sprintf("thumbnail failed: %v", err))
			b.logger.Warn("thumbnail generation failed",
				logging.String(logging.FieldSessionID, session.ID),
				logging.String("path", file.RelPath),
				logging.Error(err))
		case degraded:
			result.Metadata.Warn("thumbnail degraded: imaging data not renderable, placeholder written")
			result.Thumbnail = escapePath(rel)
		default:
			result.Thumbnail = escapePath(rel)
		}
	}
	// Imaging payloads never travel past this point.
	result.Metadata.Datasets = nil
	return result
}

// Publish assembles the record from persisted stage outputs, enriches it
// from the reservation calendar, and writes the XML next to the previews.
func (b *Builder) Publish(ctx context.Context, session *sessions.Session) (*Record, []byte, error) {
	results, err := decodeResults(session.ExtractionJSON)
	if err != nil {
		return nil, nil, err
	}

	warnings := b.enrich(ctx, session)
	record := b.assemble(session, results, warnings)

	encoded, err := EncodeXML(record)
	if err != nil {
		return nil, nil, err
	}

	dir := b.recordDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, services.Wrap(services.ErrConfiguration, "records", "publish",
			"create record directory", err)
	}
	path := filepath.Join(dir, "record.xml")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return nil, nil, services.Wrap(services.ErrExternalService, "records", "publish",
			"write record", err)
	}
	session.RecordPath = path
	session.RecordComplete = record.Complete
	session.SetWarnings(record.Warnings)

	b.logger.Info("record published",
		logging.String(logging.FieldSessionID, session.ID),
		logging.String("record", path),
		logging.Int("files", record.FileCount()),
		logging.Bool("complete", record.Complete))
	return record, encoded, nil
}

// enrich fills empty session fields from the best-matching reservation.
// Lookup exhaustion degrades to a record warning, never a failed build.
func (b *Builder) enrich(ctx context.Context, session *sessions.Session) []string {
	if b.reservations == nil || !b.cfg.Calendar.Enabled {
		return nil
	}
	if session.Title != "" && session.ReservationID != "" {
		return nil
	}
	instrument, ok := b.cfg.InstrumentByID(session.Instrument)
	if !ok {
		return nil
	}
	reservations, err := b.reservations.Reservations(ctx, instrument.CalendarID, session.Start, session.End)
	if err != nil {
		b.logger.Warn("reservation lookup failed",
			logging.String(logging.FieldSessionID, session.ID),
			logging.Error(err))
		return []string{"reservation lookup unavailable"}
	}
	match := calendar.BestMatch(reservations, session.Start, session.End)
	if match == nil {
		return []string{"no matching reservation"}
	}
	if session.Title == "" {
		session.Title = match.Title
	}
	if session.Purpose == "" {
		session.Purpose = match.Purpose
	}
	if session.ReservationID == "" {
		session.ReservationID = match.ID
	}
	if session.User == "" {
		session.User = match.User
	}
	return nil
}

func (b *Builder) assemble(session *sessions.Session, results []ExtractionResult, warnings []string) *Record {
	sort.Slice(results, func(i, j int) bool {
		a, z := results[i].File, results[j].File
		if !a.ModTime.Equal(z.ModTime) {
			return a.ModTime.Before(z.ModTime)
		}
		return a.Path < z.Path
	})

	if session.Ambiguous {
		warnings = append(warnings, "ambiguous file assignment between overlapping sessions")
	}
	sort.Strings(warnings)

	gap := time.Duration(b.cfg.Reconcile.ActivityGapSeconds) * time.Second
	record := &Record{
		ID:       session.ID,
		Complete: completeness(results),
		Session: SessionInfo{
			Instrument:    session.Instrument,
			Start:         FormatTime(session.Start),
			End:           FormatTime(session.End),
			User:          session.User,
			Title:         session.Title,
			Purpose:       session.Purpose,
			ReservationID: session.ReservationID,
		},
		Warnings: warnings,
		Acts:     assembleActivities(results, gap),
	}
	return record
}

// completeness is true only when every file reached full extraction and
// every imaging file produced a preview. An empty session is complete.
func completeness(results []ExtractionResult) bool {
	for _, res := range results {
		if res.Metadata.Status != extractors.StatusExtracted {
			return false
		}
		if res.HadImaging && res.Thumbnail == "" {
			return false
		}
	}
	return true
}

// recordDir is where one session's record and previews live.
func (b *Builder) recordDir(session *sessions.Session) string {
	return filepath.Join(b.cfg.Paths.RecordsDir, session.Instrument, session.ID)
}

// RecordDir exposes the session's record directory for CLI display.
func (b *Builder) RecordDir(session *sessions.Session) string {
	return b.recordDir(session)
}

func decodeFiles(encoded string) ([]reconcile.DataFile, error) {
	if encoded == "" {
		return nil, nil
	}
	var files []reconcile.DataFile
	if err := json.Unmarshal([]byte(encoded), &files); err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "extract",
			"decode file list", err)
	}
	return files, nil
}

func decodeResults(encoded string) ([]ExtractionResult, error) {
	if encoded == "" {
		return nil, nil
	}
	var results []ExtractionResult
	if err := json.Unmarshal([]byte(encoded), &results); err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "publish",
			"decode extraction results", err)
	}
	return results, nil
}

func decodeResultCache(encoded string) map[string]ExtractionResult {
	results, err := decodeResults(encoded)
	if err != nil {
		return nil
	}
	cache := make(map[string]ExtractionResult, len(results))
	for _, res := range results {
		cache[res.File.RelPath] = res
	}
	return cache
}

func escapePath(rel string) string {
	return (&url.URL{Path: rel}).EscapedPath()
}

func unescapePath(escaped string) string {
	value, err := url.PathUnescape(escaped)
	if err != nil {
		return escaped
	}
	return value
}
