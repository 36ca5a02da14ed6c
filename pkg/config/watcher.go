package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manager whenever a YAML file in the config directory is
// written or created, invoking onReload after each successful reload. It
// blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", m.dir, err)
	}

	m.logger.Debug("watching config directory", "dir", m.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			if !isYAML(event.Name) {
				continue
			}

			if err := m.Reload(); err != nil {
				m.logger.Error("config reload failed", "file", event.Name, "error", err)
				continue
			}

			if onReload != nil {
				onReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			m.logger.Error("config watcher error", "error", err)
		}
	}
}
