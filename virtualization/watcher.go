package virtualization

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ghyeongl/lazytree/logging"
)

const defaultDebounce = 300 * time.Millisecond

// Notifier receives the changes the watcher observes.
type Notifier interface {
	OnFileCreated(ctx context.Context, path string) (Result, error)
	OnFileDelete(ctx context.Context, path string) (Result, error)
	OnDirectoryDelete(ctx context.Context, path string) (Result, error)
}

// Watcher stands in for a kernel provider: it watches the working
// directory and turns create, write, remove and rename events into
// callbacks. Events are debounced and reconciled against the current disk
// state at flush time.
type Watcher struct {
	root     string
	notifier Notifier
	ignore   *Ignore
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu   sync.Mutex
	dirs map[string]struct{} // watched directories, relative
}

// NewWatcher creates a watcher for root.
func NewWatcher(root string, notifier Notifier, ignore *Ignore) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if ignore == nil {
		ignore = DefaultIgnore()
	}
	return &Watcher{
		root:     root,
		notifier: notifier,
		ignore:   ignore,
		watcher:  w,
		debounce: defaultDebounce,
		dirs:     make(map[string]struct{}),
	}, nil
}

// SetDebounce changes the quiet period before events are flushed.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start adds the recursive watches and dispatches events until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	l := logging.Sub("watcher")
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	l.Info("watching", "root", w.root, "dirs", w.watchedCount())

	var order []string
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			rel := w.toRelPath(event.Name)
			if rel == "" {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if w.ignore.IsIgnoredPath(rel, true) {
						continue
					}
					if err := w.addRecursive(event.Name); err != nil {
						l.Warn("watch new directory failed", "path", rel, "err", err)
					}
					continue
				}
			}
			if w.ignore.IsIgnoredPath(rel, w.isWatched(rel)) {
				continue
			}

			if _, seen := pending[rel]; !seen {
				pending[rel] = struct{}{}
				order = append(order, rel)
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			l.Error("watch error", "err", err)

		case <-timer.C:
			if len(order) > 0 {
				w.flush(ctx, order)
				l.Debug("flushed events", "count", len(order))
				order = nil
				pending = make(map[string]struct{})
			}
		}
	}
}

// flush reconciles each changed path with what is on disk now.
func (w *Watcher) flush(ctx context.Context, paths []string) {
	l := logging.Sub("watcher")
	for _, rel := range paths {
		var err error
		info, statErr := os.Stat(filepath.Join(w.root, rel))
		switch {
		case statErr == nil && info.IsDir():
			continue
		case statErr == nil:
			_, err = w.notifier.OnFileCreated(ctx, rel)
		case w.forget(rel):
			_, err = w.notifier.OnDirectoryDelete(ctx, rel)
		default:
			_, err = w.notifier.OnFileDelete(ctx, rel)
		}
		if err != nil {
			l.Error("dispatch event failed", "path", rel, "err", err)
		}
	}
}

// toRelPath converts an absolute path to the working-directory-relative
// path used by the callbacks, or "" for the root itself or paths outside it.
func (w *Watcher) toRelPath(absPath string) string {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return rel
}

// addRecursive adds a directory and all subdirectories to the watcher.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible dirs
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.toRelPath(path)
		if rel != "" && w.ignore.IsIgnoredPath(rel, true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		if rel != "" {
			w.mu.Lock()
			w.dirs[rel] = struct{}{}
			w.mu.Unlock()
		}
		return nil
	})
}

func (w *Watcher) isWatched(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[rel]
	return ok
}

// forget drops rel and everything below it from the watched set and
// reports whether rel was a watched directory.
func (w *Watcher) forget(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[rel]
	prefix := rel + string(filepath.Separator)
	for d := range w.dirs {
		if d == rel || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	return ok
}

func (w *Watcher) watchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Close closes the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
