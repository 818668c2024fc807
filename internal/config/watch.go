package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drewfead/canopy/internal/logging"
)

// debounce collapses the burst of events editors produce on save.
const debounce = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes the new
// value to fn. Invalid files are logged and skipped. Watch blocks until ctx
// is cancelled.
//
// The parent directory is watched rather than the file so that editors that
// replace the file atomically keep triggering reloads.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	name := filepath.Clean(path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := LoadFrom(path)
			if err != nil {
				logging.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			logging.Info("config reloaded", "path", path)
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", "error", err)
		}
	}
}
