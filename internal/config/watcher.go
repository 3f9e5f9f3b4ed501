package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often the watcher polls the config file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one accepted revision of the config file.
type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every valid revision to a callback.
// The file is only re-read when its mtime moved, and the callback only fires
// when the content hash changed too. Invalid revisions are logged and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	cur atomic.Pointer[snapshot]

	// reloadMu serialises the poll loop with explicit Reload calls.
	reloadMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and then polls it until [Watcher.Stop]. The
// initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur.Store(snap)

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.cur.Load().cfg
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload checks the file immediately instead of waiting for the next tick.
// It reports whether a new config was accepted.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	prev := w.cur.Load()
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	if info.ModTime().Equal(prev.mtime) {
		return false, nil
	}

	next, err := readSnapshot(w.path)
	if err != nil {
		return false, err
	}
	if next.sum == prev.sum {
		// Touched only. Remember the mtime so the file is not re-read every tick.
		w.cur.Store(&snapshot{cfg: prev.cfg, mtime: next.mtime, sum: prev.sum})
		return false, nil
	}
	w.cur.Store(next)
	w.log.Info("config: reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return true, nil
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// readSnapshot parses and validates path and records its mtime and SHA-256.
func readSnapshot(path string) (*snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, err
	}
	return &snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
