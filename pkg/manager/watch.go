package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events (an unpacking plugin
// touches many files) into a single re-discovery.
const watchDebounce = 500 * time.Millisecond

// WatchPlugins re-runs discovery whenever the plugin root changes, until ctx
// is cancelled. Running instances keep their manifest snapshot; only future
// attaches see the refreshed registry.
func (m *Manager) WatchPlugins(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.pluginsDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(watchDebounce)
		if !debounce.Stop() {
			<-debounce.C
		}

		slog.Info("Watching plugin directory", "component", "Manager", "dir", m.pluginsDir)
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					debounce.Reset(watchDebounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Plugin directory watch error", "component", "Manager", "error", err)

			case <-debounce.C:
				if err := m.Discover(); err != nil {
					slog.Error("Re-discovery after change failed", "component", "Manager", "error", err)
				}
			}
		}
	}()
	return nil
}
