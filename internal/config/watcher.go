package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind names which watched file changed.
type ReloadKind string

const (
	ReloadConfig ReloadKind = "config"
	ReloadTheme  ReloadKind = "theme"
)

const defaultDebounce = 150 * time.Millisecond

type ReloadEvent struct {
	Kind ReloadKind
	Path string
}

// Watcher reports changes to config.yaml and theme.json. It watches the home
// directory rather than the files so editors that replace files are seen too.
// Bursts of writes to one file collapse into a single event.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

// Events is closed once the watch loop exits.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. The loop runs until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	watched := map[string]ReloadKind{
		filepath.Base(ConfigPath(w.homeDir)): ReloadConfig,
		filepath.Base(ThemePath(w.homeDir)):  ReloadTheme,
	}
	pending := make(map[ReloadKind]string)
	timer := time.NewTimer(w.debounce)
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
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			kind, ok := watched[filepath.Base(ev.Name)]
			if !ok {
				continue
			}
			pending[kind] = ev.Name
			timer.Reset(w.debounce)
		case <-timer.C:
			for kind, path := range pending {
				w.logger.Info("watched file changed", "kind", string(kind), "path", path)
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: path}:
				case <-ctx.Done():
					return
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("home directory watch error", "error", err)
		}
	}
}
