package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/abdul-hamid-achik/cmdvec/internal/source"
)

// WatcherConfig configures the source watcher.
type WatcherConfig struct {
	// Debounce is the quiet period before changes trigger a run.
	// Multiple changes within this window are batched together.
	Debounce time.Duration

	// Recursive enables watching subdirectories of a directory source.
	Recursive bool
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce:  500 * time.Millisecond,
		Recursive: true,
	}
}

// WatchEvent represents a change to a record file.
type WatchEvent struct {
	Path      string
	Op        WatchOp
	Timestamp time.Time
}

// WatchOp represents the type of file system operation.
type WatchOp int

const (
	// OpCreate indicates a file was created.
	OpCreate WatchOp = iota
	// OpWrite indicates a file was modified.
	OpWrite
	// OpRemove indicates a file was removed.
	OpRemove
	// OpRename indicates a file was renamed.
	OpRename
)

func (op WatchOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// WatchCallback receives every change collected since the last call.
type WatchCallback func(events []WatchEvent)

// Watcher monitors the record files of a file source.
type Watcher struct {
	config   WatcherConfig
	watcher  *fsnotify.Watcher
	callback WatchCallback
	root     string
	single   bool
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]WatchEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for path, which may be a record file or a
// directory of record files.
func NewWatcher(path string, cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:  cfg,
		watcher: fsWatcher,
		root:    path,
		single:  !info.IsDir(),
		logger:  logger.With("component", "watcher"),
		pending: make(map[string]WatchEvent),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	return w, nil
}

// SetCallback sets the callback function for change events.
func (w *Watcher) SetCallback(cb WatchCallback) {
	w.callback = cb
}

// Start begins watching. A single file is watched through its directory so
// that editors replacing the file are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	if w.single {
		if err := w.watcher.Add(filepath.Dir(w.root)); err != nil {
			return err
		}
	} else if err := w.addDir(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}

// Done is closed once event processing has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) addDir(path string) error {
	if !w.config.Recursive {
		return w.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

// relevant reports whether a change to path can alter the records.
func (w *Watcher) relevant(path string) bool {
	if w.single {
		return filepath.Clean(path) == filepath.Clean(w.root)
	}
	return source.IsRecordFile(path) || filepath.Base(path) == source.IgnoreFile
}

// processEvents processes file system events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.single && event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDir(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	if !w.relevant(event.Name) {
		return
	}

	var op WatchOp
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpWrite
	case event.Op&fsnotify.Remove != 0:
		op = OpRemove
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = WatchEvent{
		Path:      event.Name,
		Op:        op,
		Timestamp: time.Now(),
	}
	w.pendingMu.Unlock()
}

// flushPending sends all pending events to the callback once the debounce
// window has passed without new changes.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	var latest time.Time
	for _, e := range w.pending {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	if time.Since(latest) < w.config.Debounce {
		w.pendingMu.Unlock()
		return
	}

	events := make([]WatchEvent, 0, len(w.pending))
	for _, e := range w.pending {
		events = append(events, e)
	}
	w.pending = make(map[string]WatchEvent)
	w.pendingMu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	if w.callback != nil {
		w.callback(events)
	}
}

// WatchAndIndex watches path and re-runs a full index whenever its record
// files change. Removed records are swept by the run itself. Failed runs
// are logged and retried on the next change.
func WatchAndIndex(ctx context.Context, indexer *Indexer, path string, cfg WatcherConfig) (*Watcher, error) {
	watcher, err := NewWatcher(path, cfg, indexer.logger)
	if err != nil {
		return nil, err
	}

	watcher.SetCallback(func(events []WatchEvent) {
		paths := make([]string, len(events))
		for i, e := range events {
			paths[i] = e.Path
		}
		watcher.logger.Info("source changed, reindexing", "files", paths)

		result, err := indexer.Index(ctx)
		if err != nil {
			watcher.logger.Error("auto-reindex failed", "error", err)
			return
		}
		watcher.logger.Info("auto-reindex finished", "indexed", result.Indexed, "deleted", result.Deleted, "errors", result.Errors)
	})

	if err := watcher.Start(ctx); err != nil {
		_ = watcher.watcher.Close()
		return nil, err
	}
	return watcher, nil
}
