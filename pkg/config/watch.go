package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadSettle = 100 * time.Millisecond

// Watch calls onChange with the re-read config each time path is written or
// recreated. Malformed rewrites are logged and skipped. It blocks until ctx is
// done.
func Watch(ctx context.Context, path string, logger *zap.SugaredLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warnf("failed to close config watcher: %s", err)
		}
	}()

	// editors replace files, so watch the directory rather than the file
	dir := filepath.Dir(path)
	if err = watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	logger.Infof("watching %s for changes", target)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				settle = time.After(reloadSettle)
			}
		case <-settle:
			settle = nil
			cfg, err := Read(path)
			if err != nil {
				logger.Errorf("config reload skipped: %s", err)
				continue
			}
			logger.Infof("config %s reloaded", target)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher error: %s", err)
		}
	}
}
