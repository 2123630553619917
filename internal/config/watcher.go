package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent carries a freshly loaded config whose fingerprint differs from
// the last one seen, or the error that prevented loading it.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes on disk. The home directory
// is watched rather than the file so rename-based saves are seen. Bursts of
// writes are folded into one reload after Debounce of quiet.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	Debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
		Debounce: defaultReloadDebounce,
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. current is the config already in effect; reloads
// that produce the same fingerprint are not reported.
func (w *Watcher) Start(ctx context.Context, current Config) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw, current.Fingerprint())
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, lastFP string) {
	defer fsw.Close()
	defer close(w.events)

	target := filepath.Clean(ConfigPath(w.homeDir))
	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file touched", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.Debounce)
		case <-timer.C:
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.emit(ctx, ReloadEvent{Err: err})
				continue
			}
			fp := cfg.Fingerprint()
			if fp == lastFP {
				continue
			}
			lastFP = fp
			w.logger.Info("config file changed", "fingerprint", fp)
			w.emit(ctx, ReloadEvent{Config: cfg})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev ReloadEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
