package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one file the watcher saw change: config.yaml, or a
// scenario JSON under the scenarios directory.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches config.yaml and the per-bot scenario directory
// (homeDir/scenarios/<bot-id>/*.json) for changes, feeding a bounded
// event channel. The serve composition root consumes the channel to
// hot-reload scenarios and to flag config drift.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

// ScenarioDir returns the directory scenario files are hot-loaded from.
func ScenarioDir(homeDir string) string {
	return filepath.Join(homeDir, "scenarios")
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

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	_ = fsw.Add(filepath.Join(w.homeDir, "config.yaml"))

	// fsnotify is not recursive: watch the scenario root plus every
	// existing per-bot subdirectory; subdirectories created later are
	// added as their Create events arrive.
	scenarioDir := ScenarioDir(w.homeDir)
	if entries, err := os.ReadDir(scenarioDir); err == nil {
		_ = fsw.Add(scenarioDir)
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(scenarioDir, e.Name()))
			}
		}
	}

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
				if ev.Op&fsnotify.Create != 0 {
					if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
						_ = fsw.Add(ev.Name)
						continue
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("watched file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("file watcher error", "error", err)
			}
		}
	}()
	return nil
}
