package realtime

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher is a platform change source: it observes a set of root
// directories recursively and reports the path of every file that is
// added, modified, or renamed into place. Deletions, rename-from
// events, and directories are never reported.
type Watcher interface {
	Start(roots []string, emit func(path string)) error
	Stop()
}

// NotifyWatcher is the native change-notification variant, built on
// the OS facility fsnotify wraps (inotify, kqueue, ReadDirectoryChangesW).
type NotifyWatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewNotifyWatcher creates an idle native watcher.
func NewNotifyWatcher(log *slog.Logger) *NotifyWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyWatcher{log: log}
}

// Start begins watching every directory under the given roots. New
// subdirectories created while watching are added on the fly; fsnotify
// watches are per-directory, not recursive.
func (w *NotifyWatcher) Start(roots []string, emit func(path string)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %v", err)
	}

	for _, root := range roots {
		if err := addRecursive(fsw, root); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %v", root, err)
		}
	}

	w.mu.Lock()
	w.watcher = fsw
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(fsw, emit)
	return nil
}

func (w *NotifyWatcher) loop(fsw *fsnotify.Watcher, emit func(path string)) {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				// Rename-from and deletions land here; ignore.
				continue
			}
			if info.IsDir() {
				if event.Has(fsnotify.Create) {
					if err := addRecursive(fsw, event.Name); err != nil {
						w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
				continue
			}
			if info.Mode().IsRegular() {
				emit(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Stop cancels the watch and waits for the event loop to exit.
func (w *NotifyWatcher) Stop() {
	w.mu.Lock()
	fsw, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	close(done)
	fsw.Close()
	w.wg.Wait()
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip entries we cannot read.
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return err
			}
		}
		return nil
	})
}
