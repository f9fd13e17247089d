package config

import (
	"context"
	"path/filepath"
	"time"

	"tidemark/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// WatchWatchlist reloads the watchlist when the file changes and hands
// the result to onReload. Editors replace files rather than write in
// place, so the parent directory is watched and events debounced.
func WatchWatchlist(ctx context.Context, path string, onReload func(*Watchlist)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(300 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("watchlist watcher: %v", err)
			case <-pending:
				pending = nil
				wl, err := LoadWatchlist(path)
				if err != nil {
					logger.Warnf("watchlist reload failed, keeping previous: %v", err)
					continue
				}
				logger.Infof("watchlist reloaded: %d pair(s)", len(wl.Pairs))
				onReload(wl)
			}
		}
	}()
	return nil
}
