package roster

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the roster whenever the plugin tree changes. Events are
// debounced so a burst of writes triggers one rescan. Returns once the
// watcher is installed; rescanning continues until ctx is done.
func (r *Roster) Watch(ctx context.Context) error {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		if err := os.MkdirAll(r.root, 0o755); err != nil {
			return err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.root); err != nil {
		watcher.Close()
		return err
	}
	// First-level member dirs are watched too so manifest edits inside
	// them are seen.
	if entries, err := os.ReadDir(r.root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(r.root + string(os.PathSeparator) + e.Name())
			}
		}
	}

	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *Roster) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	const settle = 250 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(settle, func() {
				if err := r.Rescan(); err != nil {
					r.logger.Warnw("roster rescan failed", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warnw("plugin watcher error", "error", err)
		}
	}
}
