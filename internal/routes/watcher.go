package routes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the route list when routes.json is edited outside the
// manager. Self-writes are suppressed by the counter persist increments.
// The watcher runs until the context is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(m.configDir); err != nil {
		_ = watcher.Close()
		return err
	}

	// Events from writes that predate the watcher were never delivered;
	// start suppression accounting from zero.
	m.selfWrites.Store(0)

	go func() {
		defer func() { _ = watcher.Close() }()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != routesFileName {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if m.selfWrites.Load() > 0 {
					m.selfWrites.Add(-1)
					continue
				}
				m.reloadFromFile(ctx)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("routes file watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

// reloadFromFile re-reads routes.json after an external edit. A malformed
// file keeps the current route set.
func (m *Manager) reloadFromFile(ctx context.Context) {
	path := m.filePath()
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("failed to read routes file on reload", zap.Error(err))
		return
	}

	var loaded []*Route
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.logger.Warn("ignoring malformed routes file on reload", zap.Error(err))
		return
	}

	if err := m.adopt(loaded); err != nil {
		m.logger.Warn("ignoring invalid route list on reload", zap.Error(err))
		return
	}

	m.mirrorToStore(ctx, loaded)
	m.logger.Info("reloaded routes after external edit",
		zap.String("path", path),
		zap.Int("count", len(loaded)),
	)
}
