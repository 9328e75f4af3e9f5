package service

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"parallel-go/internal/parallel"
)

// Watcher reports, debounced, that something changed under a set of
// directory trees. fsnotify watches single directories, so every
// subdirectory is added, including ones created later.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   parallel.Logger
	changed  chan struct{}

	mu    sync.Mutex
	roots map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts a watcher with no directories. Bursts of events closer
// together than debounce produce one notification.
func NewWatcher(debounce time.Duration, logger parallel.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = parallel.NewNopLogger()
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		logger:   logger,
		changed:  make(chan struct{}, 1),
		roots:    make(map[string]bool),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Changed receives a value after changes settle. Notifications that are
// not consumed collapse into one.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

// Watch adds the trees under roots not already watched. Roots that do not
// exist are skipped.
func (w *Watcher) Watch(roots []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range roots {
		if w.roots[root] {
			continue
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			w.logger.Warn("not watching missing directory", "path", root)
			continue
		}
		if err := w.addTree(root); err != nil {
			return err
		}
		w.roots[root] = true
	}
	return nil
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("not watching unreadable path", "path", p, "error", err)
			if p == root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				w.mu.Lock()
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("watching new directory failed", "path", ev.Name, "error", err)
				}
				w.mu.Unlock()
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, w.notify)
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) notify() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}
