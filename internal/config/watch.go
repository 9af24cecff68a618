package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-loads the config whenever the file changes and hands the
// result to onChange. Editors replace files rather than write in
// place, so the watch is on the parent directory. Returns a stop
// function.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target, _ := filepath.Abs(path)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, _ := filepath.Abs(event.Name)
				if abs != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("Ignoring config reload after parse failure",
						zap.String("path", path),
						zap.Error(err))
					continue
				}
				logger.Info("Config reloaded", zap.String("path", path))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
