package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Holder when the config file changes.
//
// The parent directory is watched rather than the file, since editors
// commonly replace files by rename. Environment overrides are re-applied on
// every reload so they keep precedence over the file.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *zap.Logger
	debounce time.Duration

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	mu      sync.Mutex
	reloads int
	failed  int
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, holder *Holder, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		holder:   holder,
		logger:   logger.Named("config"),
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetDebounce overrides the debounce interval. Must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.fsw = fsw
	go w.loop()
	w.logger.Info("watching config file", zap.String("path", w.path))
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			_ = w.fsw.Close()
			<-w.doneCh
		}
	})
}

// Counts returns successful and failed reload counts.
func (w *Watcher) Counts() (reloads, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failed
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadFromFile(w.path)
	if err == nil {
		ApplyEnvVars(next)
		err = w.holder.Reload(next)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failed++
		w.logger.Error("config reload refused, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.reloads++
	w.logger.Info("config reloaded", zap.String("path", w.path), zap.Stringer("config", next))
}
