package tail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/slackmgr/types"
)

var errWatcherStarted = errors.New("watcher already started")

type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher reports files under a directory whose content may have grown.
//
// It listens for file system events and, unless polling is disabled, also
// rescans the directory on a fixed interval, which catches changes on file
// systems that do not deliver events. A path may be reported more than
// once for a single change; readers are expected to pick up from a cursor.
type Watcher struct {
	root   string
	opts   *options
	logger types.Logger
	fsw    *fsnotify.Watcher
	events chan string

	seenMu sync.Mutex
	seen   map[string]fileState

	stopMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewWatcher(root string, opts ...Option) (*Watcher, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid watcher options: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat watched directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("watched path %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		root:   root,
		opts:   o,
		logger: o.logger.WithField("directory", root),
		fsw:    fsw,
		events: make(chan string, 64),
		seen:   make(map[string]fileState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Events delivers the paths of changed files. It is closed when the watcher
// stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start registers the directory tree and begins watching. Every matching
// file already present is reported once, so lines written while nothing was
// watching are picked up.
func (w *Watcher) Start(ctx context.Context) error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	if w.started || w.stopped {
		return errWatcherStarted
	}

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.started = true

	w.logger.WithFields(map[string]any{
		"patterns":      w.opts.patterns,
		"recursive":     w.opts.recursive,
		"poll_interval": w.opts.pollInterval.String(),
	}).Info("File watcher started")

	go w.watchLoop(ctx)

	return nil
}

// Stop ends the watch loop and releases the underlying watcher. It is safe
// to call more than once.
func (w *Watcher) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	if w.stopped {
		return nil
	}

	w.stopped = true
	close(w.stopCh)

	if w.started {
		<-w.doneCh
	} else {
		close(w.events)
	}

	return w.fsw.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)

	var tick <-chan time.Time

	if w.opts.pollInterval > 0 {
		ticker := time.NewTicker(w.opts.pollInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	if !w.scan(ctx, true) {
		return
	}

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("File watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("File watcher context cancelled")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.logger.Error("File watcher events channel closed")
				return
			}

			if !w.handleEvent(ctx, event) {
				return
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.logger.Error("File watcher errors channel closed")
				return
			}

			w.logger.Errorf("File watcher error: %v", err)

		case <-tick:
			if !w.scan(ctx, false) {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.forget(event.Name)
		}

		return true
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return true
	}

	if info.IsDir() {
		if event.Has(fsnotify.Create) && w.opts.recursive {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Errorf("Failed to watch new directory: %v", err)
			}
		}

		return true
	}

	if !w.opts.matches(event.Name) {
		return true
	}

	w.record(event.Name, info)

	return w.emit(ctx, event.Name)
}

// scan walks the tree and reports files whose size or modification time
// changed since they were last seen, or every matching file when all is set.
func (w *Watcher) scan(ctx context.Context, all bool) bool {
	var changed []string

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return err
			}

			return nil
		}

		if d.IsDir() {
			if path != w.root && !w.opts.recursive {
				return filepath.SkipDir
			}

			return nil
		}

		if !w.opts.matches(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if w.record(path, info) || all {
			changed = append(changed, path)
		}

		return nil
	})
	if err != nil {
		w.logger.Errorf("Failed to scan watched directory: %v", err)
	}

	for _, path := range changed {
		if !w.emit(ctx, path) {
			return false
		}
	}

	return true
}

// record stores the latest state of path and reports whether it differs
// from the previous one.
func (w *Watcher) record(path string, info fs.FileInfo) bool {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()

	state := fileState{size: info.Size(), modTime: info.ModTime()}
	prev, ok := w.seen[path]
	w.seen[path] = state

	return !ok || prev.size != state.size || !prev.modTime.Equal(state.modTime)
}

func (w *Watcher) forget(path string) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()

	delete(w.seen, path)
}

func (w *Watcher) emit(ctx context.Context, path string) bool {
	w.logger.WithField("file", path).Debug("File changed")

	select {
	case w.events <- path:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) addTree(root string) error {
	if !w.opts.recursive {
		if err := w.fsw.Add(root); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", root, err)
		}

		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}

		return nil
	})
}
