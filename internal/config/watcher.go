package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of WRITE/CREATE/RENAME events a single
// atomic save emits (rename-into-place is a create plus a rename, a plain
// write is often split across more than one WRITE) into one reload, without
// waiting long enough to feel like a stuck reload to an operator watching
// logs.
const reloadDebounce = 30 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches homeDir itself rather than config.yaml directly. Watching
// the file's inode breaks the moment something replaces it atomically
// (editors saving via rename, a ConfigMap remount swapping the "..data"
// symlink) because the watch follows the now-unlinked inode, not the path.
// Watching the directory and filtering by basename survives every
// replacement strategy at the cost of also seeing unrelated writes in
// homeDir, which are filtered out below.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configName := "config.yaml"
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		debounce := time.NewTimer(reloadDebounce)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()
		var pending fsnotify.Event
		var armed bool

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != configName {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = ev
				if armed && !debounce.Stop() {
					<-debounce.C
				}
				debounce.Reset(reloadDebounce)
				armed = true
			case <-debounce.C:
				armed = false
				select {
				case w.events <- ReloadEvent{Path: pending.Name, Op: pending.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Name, "op", pending.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
