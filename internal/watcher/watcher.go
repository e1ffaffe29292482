// Package watcher observes the storage root and reports structural changes
// (files or directories created, removed or renamed) so the library list can
// be invalidated.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/bookshelf/internal/events"
	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
)

// Handler receives one event per relevant change, with a forward-slash path
// relative to the root.
type Handler func(events.Event)

// Watcher recursively watches a directory tree.
type Watcher struct {
	root    string
	handler Handler
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a watcher for root. Nothing is watched until Start.
func New(root string, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		handler: handler,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start adds every directory under the root and begins processing events
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errors.New("watcher has been stopped and cannot be restarted")
	}
	if w.started {
		return errors.New("watcher already started")
	}

	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.addTree(w.root)

	w.started = true
	go w.loop(ctx)
	logging.Info("watching storage root", zap.String("path", w.root))
	return nil
}

// Stop ends event processing and releases the underlying watcher. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	w.mu.Unlock()

	_ = w.fsw.Close()
	if started {
		<-w.done
	}
}

// Done is closed once the event loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	var kind string
	switch {
	case ev.Has(fsnotify.Create):
		kind = events.EventCreate
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
		}
	case ev.Has(fsnotify.Remove):
		kind = events.EventDelete
	case ev.Has(fsnotify.Rename):
		kind = events.EventRename
	default:
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	if rel == "." {
		rel = ""
	}

	metrics.RecordWatcherEvent(kind)
	logging.Debug("storage changed", zap.String("type", kind), zap.String("path", rel))
	if w.handler != nil {
		w.handler(events.Event{Type: kind, Path: filepath.ToSlash(rel)})
	}
}

// addTree watches dir and every directory beneath it. Failures are logged
// and skipped.
func (w *Watcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == w.root {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			logging.Warn("watch directory failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}
