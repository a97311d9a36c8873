// Package confwatch reloads the configuration file when it changes on disk.
package confwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce is how long the watcher waits for a burst of writes to settle.
const Debounce = 200 * time.Millisecond

// ReloadFunc is called after the watched file settles.
type ReloadFunc func() error

// Watch starts an fsnotify watcher on the directory holding path and calls
// reload after each debounced change to path until ctx is cancelled.
//
// The parent directory is watched rather than the file itself: editors and
// config-map mounts replace files by rename, which drops a file watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Info("confwatch: started", slog.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(Debounce)
			fire = timer.C
		} else {
			timer.Reset(Debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("confwatch: stopped")
			return nil

		case <-fire:
			if err := reload(); err != nil {
				logger.Warn("confwatch: reload failed", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}
			logger.Info("confwatch: reloaded", slog.String("path", abs))

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("confwatch: error", slog.String("error", werr.Error()))
		}
	}
}

// LevelFunc extracts the log level from a freshly loaded config.
type LevelFunc func() (slog.Level, error)

// LevelReloader applies the level returned by load to lv.
func LevelReloader(lv *slog.LevelVar, load LevelFunc) ReloadFunc {
	return func() error {
		level, err := load()
		if err != nil {
			return err
		}
		lv.Set(level)
		return nil
	}
}
