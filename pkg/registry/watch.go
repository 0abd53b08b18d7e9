package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces rapid editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the registry when definitions.json changes on disk outside
// this process, so external edits flow into reconcile like API mutations do.
// Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: rename-over-tmp replaces the file inode, and a
	// watch on the file itself would be lost after the first save.
	if err := watcher.Add(r.dataDir); err != nil {
		return err
	}

	target := filepath.Join(r.dataDir, definitionsFileName)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("registry watch error", "error", err)
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.log.Error("failed to reload definitions after external change", "error", err)
			} else {
				r.log.Info("definitions reloaded after external change")
			}
		}
	}
}
