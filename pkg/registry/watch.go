package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const catalogDebounce = 500 * time.Millisecond

// WatchCatalog re-applies the catalog file whenever it changes until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file atomically are picked up. Apply errors are logged and the previous
// registry state stays in place.
func (r *Registry) WatchCatalog(ctx context.Context, path string, builtins []Descriptor) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch catalog directory: %w", err)
	}
	r.logger.Info("watching plugin catalog", "path", abs)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(catalogDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("plugin catalog watcher error", "error", err)
		case <-pending:
			pending = nil
			r.reloadCatalog(ctx, abs, builtins)
		}
	}
}

func (r *Registry) reloadCatalog(ctx context.Context, path string, builtins []Descriptor) {
	c, err := LoadCatalog(path)
	if err != nil {
		r.logger.Error("failed to reload plugin catalog", "path", path, "error", err)
		return
	}
	if err := r.ApplyCatalog(ctx, c, builtins); err != nil {
		r.logger.Error("failed to apply plugin catalog", "path", path, "error", err)
		return
	}
	r.logger.Info("reloaded plugin catalog", "path", path, "plugins", len(c.Plugins))
}
