package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"curator/internal/config"
	"curator/internal/logging"
)

// rootWatcher watches instrument data roots and nudges the workflow poll
// loop when files appear, so new data is picked up without waiting for the
// next poll interval.
type rootWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	nudge   func()
	wg      sync.WaitGroup
}

func newRootWatcher(cfg *config.Config, logger *slog.Logger, nudge func()) (*rootWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	rw := &rootWatcher{
		watcher: watcher,
		logger:  logger,
		nudge:   nudge,
	}
	for _, inst := range cfg.Instruments {
		rw.addTree(inst.DataRoot)
	}
	return rw, nil
}

// addTree registers root and every existing subdirectory. Unreadable
// subtrees are skipped.
func (rw *rootWatcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if !entry.IsDir() {
			return nil
		}
		if addErr := rw.watcher.Add(path); addErr != nil {
			rw.logger.Warn("cannot watch directory",
				logging.String("path", path),
				logging.Error(addErr))
		}
		return nil
	})
}

func (rw *rootWatcher) Start(ctx context.Context) {
	rw.wg.Add(1)
	go func() {
		defer rw.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-rw.watcher.Events:
				if !ok {
					return
				}
				rw.handleEvent(event)
			case err, ok := <-rw.watcher.Errors:
				if !ok {
					return
				}
				rw.logger.Warn("instrument watcher error", logging.Error(err))
			}
		}
	}()
}

func (rw *rootWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		// New directories need their own watch so files written inside
		// them are seen.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := rw.watcher.Add(event.Name); err != nil {
				rw.logger.Warn("cannot watch directory",
					logging.String("path", event.Name),
					logging.Error(err))
			}
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
		rw.nudge()
	}
}

func (rw *rootWatcher) Stop() {
	_ = rw.watcher.Close()
	rw.wg.Wait()
}
