package secrets

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Scanner's allowlist when its files change.
type Watcher struct {
	scanner *Scanner
	paths   []string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches the directories holding paths. Watching directories
// rather than files survives editors that replace files on save.
func NewWatcher(scanner *Scanner, logger *zap.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating allowlist watcher: %w", err)
	}
	w := &Watcher{
		scanner: scanner,
		paths:   paths,
		logger:  logger,
		watcher: fw,
		done:    make(chan struct{}),
	}
	seen := map[string]bool{}
	for _, p := range paths {
		dir := watchDir(p)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return w, nil
}

func watchDir(p string) string {
	if resolved, err := resolve(p); err == nil {
		return filepath.Dir(resolved)
	}
	return filepath.Dir(p)
}

// Start reloads once, then keeps reloading on change until ctx is done or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("allowlist reload failed, keeping previous allowlist",
					zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			w.logger.Info("allowlist reloaded", zap.String("file", ev.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("allowlist watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	for _, p := range w.paths {
		file, err := resolve(p)
		if err != nil {
			continue
		}
		if filepath.Clean(file) == filepath.Clean(ev.Name) {
			return true
		}
	}
	return false
}

func (w *Watcher) reload() error {
	allow, err := LoadAllowlist(w.paths...)
	if err != nil {
		return err
	}
	return w.scanner.SetAllowlist(allow)
}
