package beads

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/jedarden/forge/internal/checksum"
	"github.com/jedarden/forge/internal/workspace"
)

const invalidatingOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watcher invalidates reader caches when a workspace's queue file changes.
// It watches the .beads directory rather than the file so replacements by
// rename are seen too. Events that leave the file's bytes unchanged are
// ignored.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger
	readers   map[string]*Reader // keyed by queue file path
	sums      map[string]string  // last seen content digest per queue file
	changes   chan string
}

// NewWatcher starts watching the queue files of readers.
func NewWatcher(logger *slog.Logger, readers ...*Reader) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		fsWatcher: fsWatcher,
		logger:    logger,
		readers:   make(map[string]*Reader, len(readers)),
		sums:      make(map[string]string, len(readers)),
		changes:   make(chan string, 16),
	}
	for _, r := range readers {
		dir := filepath.Join(r.workspace, workspace.BeadsDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		path := filepath.Clean(r.path)
		w.readers[path] = r
		sum, err := checksum.File(path)
		if err != nil {
			logger.Warn("fingerprint beads file", "path", path, "error", err)
		}
		w.sums[path] = sum
	}
	return w, nil
}

// WatchManager watches every workspace the manager tracks.
func WatchManager(logger *slog.Logger, m *Manager) (*Watcher, error) {
	return NewWatcher(logger, m.sortedReaders()...)
}

// Changes delivers the workspace root of each invalidated reader. Sends are
// dropped when nobody is listening.
func (w *Watcher) Changes() <-chan string { return w.changes }

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("beads watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&invalidatingOps == 0 {
		return
	}
	path := filepath.Clean(event.Name)
	r, ok := w.readers[path]
	if !ok {
		return
	}
	sum, err := checksum.File(path)
	if err != nil {
		w.logger.Warn("fingerprint beads file", "path", path, "error", err)
	} else if sum == w.sums[path] {
		w.logger.Debug("beads file rewritten unchanged", "path", path, "op", event.Op.String())
		return
	}
	w.sums[path] = sum
	r.Invalidate()
	w.logger.Debug("beads file changed", "path", event.Name, "op", event.Op.String())
	select {
	case w.changes <- r.workspace:
	default:
	}
}
