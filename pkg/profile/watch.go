package profile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the registry whenever the profiles file is written or
// replaced, until ctx is done. The parent directory is watched because
// editors commonly replace files by rename. If the watch cannot be set up
// the loaded profiles stay in use and Watch returns at once.
func (r *Registry) Watch(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Error("profile hot reload disabled", zap.Error(err))
		return
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(r.path)); err != nil {
		r.log.Error("profile hot reload disabled", zap.String("path", r.path), zap.Error(err))
		return
	}

	target := filepath.Clean(r.path)
	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := r.Reload(); err != nil {
					r.log.Warn("profile reload failed, keeping previous profiles", zap.Error(err))
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			r.log.Error("profile watcher error", zap.Error(err))
		}
	}
}
