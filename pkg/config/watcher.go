package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file while a scan runs. Only policy knobs
// that are safe to change mid-scan should be read through OnChange; the
// container spec is consumed once at sandbox creation.
type Watcher struct {
	path     string
	debounce time.Duration

	fsw *fsnotify.Watcher

	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	lastHash string

	onChange func(Config)
	onError  func(error)
}

// WatcherOption configures the hot reloader.
type WatcherOption func(*Watcher)

// WithDebounce overrides the default debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnChange registers a callback fired after each successful reload.
func OnChange(fn func(Config)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// OnError registers a callback for reload failures.
func OnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher wires a file watcher around the config file at path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	w := &Watcher{
		path:     path,
		debounce: 150 * time.Millisecond,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = 150 * time.Millisecond
	}
	return w, nil
}

// Start loads the initial config and begins watching its directory. Editors
// often replace the file on save, so the parent directory is watched rather
// than the file itself.
func (w *Watcher) Start() (Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return Config{}, err
	}
	w.lastHash = fileHash(w.path)
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return Config{}, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
	go w.loop()
	return cfg, nil
}

// Close stops file watching.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	schedule := func() {
		if timer == nil {
			timer = time.AfterFunc(w.debounce, w.reload)
			return
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case err := <-w.fsw.Errors:
			if err != nil && w.onError != nil {
				w.onError(err)
			}
		case evt := <-w.fsw.Events:
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash := fileHash(w.path)
	if hash == w.lastHash {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.lastHash = hash
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
