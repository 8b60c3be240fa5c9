// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a config directory when one of the files LoadDir merges
// is written, created or removed. Bursts of events are debounced into a
// single reload, and reloads that produce an identical config are dropped.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	last     *Config
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a config directory watcher. onChange receives the
// merged config and the changed file names, comma separated.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The directory's current contents become the
// baseline that later reloads are compared against.
func (w *Watcher) Start(ctx context.Context) error {
	if cfg, err := LoadDir(w.dir); err == nil {
		w.last = cfg
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	go w.loop(ctx)
	w.logger.Info("config watcher started",
		zap.String("dir", w.dir),
		zap.Strings("files", DirFiles),
	)
	return nil
}

// Stop shuts down the watcher and waits for its loop to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher == nil {
			return
		}
		<-w.done
		w.watcher.Close()
	})
}

func watched(name string) bool {
	base := filepath.Base(name)
	for _, f := range DirFiles {
		if base == f {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	changed := make(map[string]struct{})

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !watched(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			w.logger.Debug("config file event", zap.String("file", name), zap.String("op", event.Op.String()))
			changed[name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			files := make([]string, 0, len(changed))
			for f := range changed {
				files = append(files, f)
			}
			sort.Strings(files)
			changed = make(map[string]struct{})
			w.reload(files)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload(files []string) {
	trigger := strings.Join(files, ",")
	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("files", trigger), zap.Error(err))
		return
	}
	if w.last != nil && reflect.DeepEqual(w.last, cfg) {
		w.logger.Debug("config unchanged after reload", zap.String("files", trigger))
		return
	}
	w.last = cfg

	w.logger.Info("config reloaded", zap.String("trigger", trigger))
	w.onChange(cfg, trigger)
}
