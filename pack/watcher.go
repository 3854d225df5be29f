package pack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liamcoop/achievements/internal/logger"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher keeps the packs of one directory loaded: files that are written
// are reloaded once they settle, and removed files unload their pack.
// A file that fails to decode or validate leaves the previous version loaded.
type Watcher struct {
	dir      string
	manager  *Manager
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	files   map[string]string // path -> pack ID
	pending map[string]time.Time
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for dir; call Start to load and begin watching
func NewWatcher(manager *Manager, dir string, debounce time.Duration) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat pack directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pack directory %s is not a directory", dir)
	}

	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		manager:  manager,
		watcher:  fw,
		debounce: debounce,
		files:    make(map[string]string),
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start loads every pack file currently in the directory, then watches it.
// Files that fail to load are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read pack directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.dir, name)
		if _, ok := FormatFromPath(path); ok {
			w.reload(ctx, path)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)

	logger.Info("watching pack directory", "dir", w.dir, "packs", len(w.Files()))
	return nil
}

// Close stops watching; loaded packs stay loaded
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running && w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return w.watcher.Close()
}

// Files returns the pack ID loaded from each watched file
func (w *Watcher) Files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]string, len(w.files))
	for path, id := range w.files {
		out[path] = id
	}
	return out
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
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
			logger.Warn("pack watcher error", "dir", w.dir, "error", err)

		case now := <-ticker.C:
			for _, path := range w.settled(now) {
				w.reload(ctx, path)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if _, ok := FormatFromPath(event.Name); !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.mu.Lock()
		w.pending[event.Name] = time.Now()
		w.mu.Unlock()

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, event.Name)
		id, tracked := w.files[event.Name]
		delete(w.files, event.Name)
		w.mu.Unlock()

		if tracked {
			logger.Info("pack file removed", "path", event.Name, "pack", id)
			w.release(id)
		}
	}
}

// release unloads packID unless another watched file still declares it, in
// which case that file is reloaded so its version becomes the loaded one.
func (w *Watcher) release(packID string) {
	w.mu.Lock()
	var other string
	for path, id := range w.files {
		if id == packID && (other == "" || path < other) {
			other = path
		}
	}
	if other != "" {
		w.pending[other] = time.Now().Add(-w.debounce)
	}
	w.mu.Unlock()

	if other != "" {
		logger.Info("pack still declared by another file", "pack", packID, "path", other)
		return
	}
	w.manager.Unload(packID)
}

// settled removes and returns the pending paths untouched for the debounce period
func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []string
	for path, touched := range w.pending {
		if now.Sub(touched) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) reload(ctx context.Context, path string) {
	def, err := DecodeFile(path)
	if err != nil {
		logger.Warn("failed to decode pack file", "path", path, "error", err)
		return
	}

	if _, err := w.manager.Load(ctx, def); err != nil {
		logger.Warn("failed to load pack file", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	previous, tracked := w.files[path]
	w.files[path] = def.ID
	w.mu.Unlock()

	// the file now declares another pack ID
	if tracked && previous != def.ID {
		w.release(previous)
	}
}
