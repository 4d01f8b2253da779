// Package reconcile matches instrument data files to closed sessions.
//
// Reconciliation is read-only over the instrument's data root: files are
// never moved, renamed, or deleted. A file belongs to a session when its
// modification time falls inside the session window widened by the
// configured grace period; when windows overlap, the file goes to the
// session whose window center it lies nearest.
package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"curator/internal/config"
	"curator/internal/extractors"
	"curator/internal/logging"
	"curator/internal/services"
	"curator/internal/sessions"
)

// DataFile is one discovered instrument file. Immutable once discovered.
type DataFile struct {
	// Path is the absolute location on disk.
	Path string `json:"path"`
	// RelPath is relative to the instrument's data root; records and
	// thumbnail names are keyed by it.
	RelPath string    `json:"rel_path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Format is the detected format signature, or empty when no extractor
	// recognizes the file.
	Format string `json:"format"`
}

// OverlapSource yields the sessions whose widened windows intersect a given
// window on the same instrument.
type OverlapSource interface {
	Overlapping(ctx context.Context, instrument string, start, end time.Time, grace time.Duration) ([]*sessions.Session, error)
}

// Reconciler lists an instrument's data root and assigns files to sessions.
type Reconciler struct {
	cfg      *config.Config
	registry *extractors.Registry
	overlaps OverlapSource
	logger   *slog.Logger
}

// New returns a reconciler. overlaps may be nil, disabling tie-breaks
// against neighboring sessions.
func New(cfg *config.Config, registry *extractors.Registry, overlaps OverlapSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{
		cfg:      cfg,
		registry: registry,
		overlaps: overlaps,
		logger:   logger.With(logging.String(logging.FieldComponent, "reconcile")),
	}
}

// Grace returns the configured window widening.
func (r *Reconciler) Grace() time.Duration {
	return time.Duration(r.cfg.Reconcile.GraceSeconds) * time.Second
}

// Reconcile finds the session's data files. A file also covered by an
// overlapping session's window goes to whichever session's center is nearer
// (an exact tie keeps it with the earlier-starting session) and marks this
// session ambiguous whichever way it goes. The result is ordered by
// modification time, then path. An empty result is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, session *sessions.Session) ([]DataFile, error) {
	instrument, ok := r.cfg.InstrumentByID(session.Instrument)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "reconcile", "lookup",
			"instrument "+session.Instrument+" not configured", nil)
	}

	grace := r.Grace()
	windowStart := session.Start.Add(-grace)
	windowEnd := session.End.Add(grace)

	candidates, err := r.listFiles(ctx, instrument, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	neighbors, err := r.neighborWindows(ctx, session, grace)
	if err != nil {
		return nil, err
	}

	center := windowCenter(session.Start, session.End)
	files := make([]DataFile, 0, len(candidates))
	ambiguous := false
	for _, file := range candidates {
		keep, contested := assignToSession(file.ModTime, center, session.Start, neighbors)
		if contested {
			ambiguous = true
		}
		if !keep {
			r.logger.Debug("file assigned to overlapping session",
				logging.String("path", file.RelPath),
				logging.String(logging.FieldSessionID, session.ID))
			continue
		}
		files = append(files, file)
	}
	if ambiguous {
		session.Ambiguous = true
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})

	r.logger.Info("reconciled session files",
		logging.String(logging.FieldSessionID, session.ID),
		logging.String(logging.FieldInstrument, session.Instrument),
		logging.Int("files", len(files)),
		logging.Bool("ambiguous", ambiguous))
	return files, nil
}

// listFiles walks the instrument data root and keeps files that match the
// include/exclude globs and fall inside the widened window.
func (r *Reconciler) listFiles(ctx context.Context, instrument config.Instrument, windowStart, windowEnd time.Time) ([]DataFile, error) {
	root := instrument.DataRoot
	var files []DataFile
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable subtrees are skipped, not fatal: instrument
			// shares routinely hold directories the service cannot read.
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(instrument.Include, rel) || matchesAny(instrument.Exclude, rel) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime().UTC()
		if mtime.Before(windowStart) || mtime.After(windowEnd) {
			return nil
		}
		format := ""
		if ext := r.registry.Detect(path); ext != nil {
			format = ext.Name()
		}
		files = append(files, DataFile{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: mtime,
			Format:  format,
		})
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalService, "reconcile", "list",
			"walk data root "+root, err)
	}
	return files, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

type neighborWindow struct {
	center time.Time
	start  time.Time
	lo     time.Time // widened window bounds
	hi     time.Time
}

func (n neighborWindow) contains(mtime time.Time) bool {
	return !mtime.Before(n.lo) && !mtime.After(n.hi)
}

func (r *Reconciler) neighborWindows(ctx context.Context, session *sessions.Session, grace time.Duration) ([]neighborWindow, error) {
	if r.overlaps == nil {
		return nil, nil
	}
	others, err := r.overlaps.Overlapping(ctx, session.Instrument, session.Start, session.End, grace)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalService, "reconcile", "overlap",
			"query overlapping sessions", err)
	}
	windows := make([]neighborWindow, 0, len(others))
	for _, other := range others {
		if other.ID == session.ID {
			continue
		}
		windows = append(windows, neighborWindow{
			center: windowCenter(other.Start, other.End),
			start:  other.Start,
			lo:     other.Start.Add(-grace),
			hi:     other.End.Add(grace),
		})
	}
	return windows, nil
}

// assignToSession decides whether a file with the given mtime belongs to
// this session rather than one of its neighbors. Only neighbors whose own
// widened window contains the mtime can claim the file; any such neighbor
// makes the assignment contested, whichever session wins.
func assignToSession(mtime, center, start time.Time, neighbors []neighborWindow) (keep, contested bool) {
	own := absDuration(mtime.Sub(center))
	keep = true
	for _, n := range neighbors {
		if !n.contains(mtime) {
			continue
		}
		contested = true
		dist := absDuration(mtime.Sub(n.center))
		switch {
		case dist < own:
			keep = false
		case dist == own:
			// Equidistant: the earlier-starting session keeps the file.
			if n.start.Before(start) {
				keep = false
			}
		}
	}
	return keep, contested
}

func windowCenter(start, end time.Time) time.Time {
	return start.Add(end.Sub(start) / 2)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
