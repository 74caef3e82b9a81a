// Package watcher reloads the settings file when it changes on disk, so
// edits made outside the settings API take effect without a restart.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceDelay coalesces the event bursts editors produce for a single
// save.
const debounceDelay = 250 * time.Millisecond

// Watcher monitors one settings file and invokes onChange after writes
// settle. It watches the parent directory because editors typically
// replace the file rather than write it in place.
type Watcher struct {
	targetPath string
	onChange   func()
	watcher    *fsnotify.Watcher
	cancel     context.CancelFunc

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// New creates a watcher for the given settings file.
func New(targetPath string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		targetPath: filepath.Clean(targetPath),
		onChange:   onChange,
		watcher:    fsw,
	}, nil
}

// Start begins watching. Calling Start twice is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.targetPath)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	go w.loop(ctx)
	log.Debug().Str("path", w.targetPath).Msg("Watching settings file")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.targetPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}

// scheduleReload (re)arms the debounce timer; only the last event of a
// burst triggers the callback.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, func() {
		log.Info().Str("path", w.targetPath).Msg("Settings file changed, reloading")
		w.onChange()
	})
}
