package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchConfig watches the directory containing path for writes and,
// on each one, reloads the config and invokes onReload with the result.
// Editors and orchestrators (ConfigMap remounts, in particular) usually
// replace the file rather than append to it, so the watch is installed
// on the containing directory and filtered to events naming path, the
// same rename-then-create sequence fsnotify documents for atomic writes.
// Reload errors are logged and otherwise ignored; the previous Config
// returned by LoadConfig stays in effect until a valid reload succeeds.
func WatchConfig(path string, logger *logrus.Logger, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				eventAbs, err := filepath.Abs(event.Name)
				if err != nil {
					eventAbs = event.Name
				}
				if eventAbs != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				cfg, err := LoadConfig(path)
				if err != nil {
					logger.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				logger.Info("configuration reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher, nil
}
