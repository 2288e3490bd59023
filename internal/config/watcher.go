package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps a config file loaded and reports content changes to a
// callback. Changes are found by polling, or on demand through [Watcher.Reload].
// A file that fails to decode or validate never replaces the current config.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises reloads so callbacks fire in file order.
	reloadMu sync.Mutex
	snap     atomic.Pointer[snapshot]

	cancel context.CancelFunc
	wg     sync.WaitGroup
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

// WithLookup sets the environment overlay applied on every reload. The
// default is [os.LookupEnv]; nil disables the overlay.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithLogger sets the logger used for reload messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	s, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.snap.Store(s)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.snap.Load().cfg
}

// Reload reads the file now, ignoring its modification time. It reports
// whether the content changed; the callback has returned by then.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop ends polling and waits for an in-flight reload. Safe to call twice.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	prev := w.snap.Load()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(prev.mtime) {
			return false, nil
		}
	}

	next, err := w.read()
	if err != nil {
		return false, err
	}
	if next.sum == prev.sum {
		// Touched or rewritten with identical bytes.
		w.snap.Store(&snapshot{cfg: prev.cfg, sum: prev.sum, mtime: next.mtime})
		return false, nil
	}
	w.snap.Store(next)
	w.log.Info("configuration reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, err
	}
	return &snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
