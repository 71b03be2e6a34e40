package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/util"
)

// reloadDebounce coalesces the burst of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every valid
// result to onChange. Invalid edits are logged and skipped. The directory is
// watched rather than the file so atomic-rename saves are seen. The returned
// channel is closed once the watcher has stopped.
func Watch(ctx context.Context, path string, onChange func(*Config)) (<-chan struct{}, error) {
	path = expandPath(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(path)
	return util.GoWithDone("config-watcher", func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					pending = time.After(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("config watcher error", logging.Err(err))
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					logging.Warn("ignoring invalid config change", "path", path, logging.Err(err))
					continue
				}
				logging.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}), nil
}

// ApplyLogLevel is an onChange hook that updates the global log level
func ApplyLogLevel(cfg *Config) {
	level, err := logging.ParseLevel(cfg.Daemon.LogLevel)
	if err != nil {
		logging.Warn("invalid log level in reloaded config", logging.Err(err))
		return
	}
	if level != logging.GetLevel() {
		logging.Info("log level changed", "level", level.String())
		logging.SetLevel(level)
	}
}
