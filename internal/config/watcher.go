package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

// Watch reloads the config file whenever it changes and hands the decoded
// result to onChange. Editors replace files via rename, so the parent
// directory is watched rather than the file itself. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	done := make(chan struct{})
	go func() {
		var pending <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of events from a single save.
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				onChange(cfg)
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}
