// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package filewatch reports changes to a fixed set of files, such as the
// certificates a server should reload.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// DefaultReconcile is how often modification times are compared, catching
// changes the notifications missed.
const DefaultReconcile = 200 * time.Millisecond

// Event names a watched file that changed.
type Event struct {
	Filename string
}

// Watcher watches files for writes, creation, renames and removal.
// Editors and certificate tools often replace a file rather than write it
// in place, so a removed file is re-added on the next reconcile.
type Watcher struct {
	watcher   *fsnotify.Watcher
	files     map[string]time.Time
	logger    hclog.Logger
	reconcile time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// Events receives one Event per detected change once Start is called.
	// It is closed by Stop.
	Events chan Event
}

// New watches the given files, which must exist and must not be symlinks.
func New(files []string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ws, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:   ws,
		files:     make(map[string]time.Time),
		logger:    logger.Named("filewatch"),
		reconcile: DefaultReconcile,
		done:      make(chan struct{}),
		Events:    make(chan Event),
	}
	for _, f := range files {
		if err := w.add(f); err != nil {
			ws.Close()
			return nil, fmt.Errorf("error adding file %q: %w", f, err)
		}
	}
	return w, nil
}

// Start watches until ctx is done or Stop is called. Calling it again is a
// no-op.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.watch(ctx)
}

// Stop ends the watch and closes Events. It must follow Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		close(w.Events)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) add(filename string) error {
	if isSymlink(filename) {
		return errors.New("symbolic links are not supported")
	}
	filename = filepath.Clean(filename)
	if err := w.watcher.Add(filename); err != nil {
		return err
	}
	modTime, err := modified(filename)
	if err != nil {
		return err
	}
	w.files[filename] = modTime
	w.logger.Trace("watching file", "file", filename)
	return nil
}

func isSymlink(filename string) bool {
	fi, err := os.Lstat(filename)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

func modified(filename string) (time.Time, error) {
	fi, err := os.Stat(filename)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (w *Watcher) watch(ctx context.Context) {
	ticker := time.NewTicker(w.reconcile)
	defer ticker.Stop()
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error("watcher event channel is closed")
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Error("watcher error channel is closed")
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.reconcileAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	filename := filepath.Clean(event.Name)
	if _, ok := w.files[filename]; !ok {
		return
	}
	w.logger.Trace("received event", "file", filename, "op", event.Op.String())

	switch {
	case event.Has(fsnotify.Remove):
		// Forget the mod time so the replacement is reported once it
		// shows up.
		w.files[filename] = time.Time{}
		w.reconcileAll(ctx)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write), event.Has(fsnotify.Rename):
		if modTime, err := modified(filename); err == nil {
			w.files[filename] = modTime
		}
		w.emit(ctx, filename)
	}
}

func (w *Watcher) reconcileAll(ctx context.Context) {
	for filename, last := range w.files {
		modTime, err := modified(filename)
		if err != nil {
			w.logger.Debug("failed to stat watched file", "file", filename, "error", err)
			continue
		}
		if err := w.watcher.Add(filename); err != nil {
			w.logger.Error("failed to watch file", "file", filename, "error", err)
			continue
		}
		if !last.Equal(modTime) {
			w.files[filename] = modTime
			w.emit(ctx, filename)
		}
	}
}

func (w *Watcher) emit(ctx context.Context, filename string) {
	select {
	case w.Events <- Event{Filename: filename}:
	case <-ctx.Done():
	}
}
