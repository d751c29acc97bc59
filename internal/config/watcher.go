// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch observes the configuration file and invokes onChange with the freshly
// loaded configuration whenever it is written. Only the safe subset of
// settings should be applied by the callback (log level, analytics flush
// interval); rules and queue geometry require a restart.
//
// The returned stop function releases the watcher.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files via rename, which would
	// otherwise drop the watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	var lastReload time.Time

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Debounce bursts of write events from a single save.
				if time.Since(lastReload) < 500*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				cfg, errLoad := LoadConfig(path)
				if errLoad != nil {
					log.Warnf("config watcher: reload failed, keeping previous configuration: %v", errLoad)
					continue
				}
				log.Infof("config watcher: reloaded %s", path)
				onChange(cfg)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", errWatch)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
