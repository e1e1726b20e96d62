package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/gridpaint/status"
)

// reloadScript reads path into p. A script that fails to compile leaves
// the previous one active.
func reloadScript(p *status.Provider, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read status script: %w", err)
	}
	if err := p.Reload(string(src)); err != nil {
		return err
	}
	logger().Info("status script reloaded", "path", path, "generation", p.Generation())
	return nil
}

// watchScript reloads the status script whenever it changes until ctx is
// done. The directory is watched because editors often replace files by
// renaming over them. ready, if non-nil, is closed once the watch is set
// up.
func watchScript(ctx context.Context, p *status.Provider, path string, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch status script: %w", err)
	}
	defer watcher.Close()

	name := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(name)); err != nil {
		return fmt.Errorf("watch status script: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := reloadScript(p, path); err != nil {
				logger().Warn("status script reload failed", "path", path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger().Warn("watch error", "path", path, "error", err)
		}
	}
}
