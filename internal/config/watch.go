package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcushq/marcus/internal/log"
)

// DefaultWatchDebounce coalesces editor write bursts into one reload.
const DefaultWatchDebounce = time.Second

// Watcher re-reads the config file after edits settle and hands each valid
// snapshot to the callback. Invalid or half-saved files are logged and
// skipped, so a bad edit never clobbers live tuning.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	onChange  func(Config)
	done      chan struct{}
}

// Watch starts watching the config file at path. debounce <= 0 means
// DefaultWatchDebounce. Stop releases the watch.
func Watch(path string, debounce time.Duration, onChange func(Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		path:      path,
		debounce:  debounce,
		onChange:  onChange,
		done:      make(chan struct{}),
	}

	// Watch the directory, not the file: editors that write-and-rename
	// would otherwise orphan the watch on the first save.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", filepath.Dir(path), err)
	}

	go w.loop()
	return w, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.reload()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatConfig, "config watcher error", "error", err.Error())

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// reload re-reads the file and invokes the callback when the result is
// valid.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn(log.CatConfig, "config reload skipped", "path", w.path, "error", err.Error())
		return
	}
	log.Info(log.CatConfig, "config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// isRelevantEvent checks if the event should trigger a reload.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
