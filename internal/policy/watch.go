package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the policy at path whenever it changes and passes each
// valid result to onChange. Invalid edits are logged and the previous
// policy stays in force. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that
// write-to-temp-then-rename saves are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(*Policy)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching policy", "path", target)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != target {
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
			timerC = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)

		case <-timerC:
			timerC = nil
			p, err := LoadFile(target)
			if err != nil {
				logger.Warn("policy reload rejected, keeping previous policy", "path", target, "error", err)
				continue
			}
			logger.Info("policy reloaded", "path", target)
			onChange(p)
		}
	}
}
