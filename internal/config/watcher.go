package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. The home directory is watched
// rather than the file so editors that replace the file on save still
// produce events.
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

// Start begins watching until ctx is done, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
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

// reloadSettle coalesces the burst of events an editor save produces.
const reloadSettle = 100 * time.Millisecond

// Reload waits for change events and hands each freshly loaded config to
// apply, at most once per settle window. Load failures are logged and the
// previous config stays in effect.
func (w *Watcher) Reload(ctx context.Context, apply func(Config)) {
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			if settle == nil {
				settle = time.After(reloadSettle)
			}
		case <-settle:
			settle = nil
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "error", err)
				continue
			}
			w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
			apply(cfg)
		}
	}
}
