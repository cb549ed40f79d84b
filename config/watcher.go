package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(cfg *Config)

// Watcher polls one configuration file and reloads it through a Loader when
// its modification time advances.
type Watcher struct {
	mu sync.Mutex

	path     string
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	lastMod   time.Time
	callbacks []ReloadFunc
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is checked.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher watches path and reloads it with loader. A nil loader uses
// NewLoader with path as config file.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path is empty")
	}
	if loader == nil {
		loader = NewLoader()
	}
	w := &Watcher{
		path:     path,
		loader:   loader.WithConfigPath(path),
		interval: time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", path))

	info, err := os.Stat(path)
	switch {
	case err == nil:
		w.lastMod = info.ModTime()
	case os.IsNotExist(err):
		w.logger.Warn("config file does not exist, will watch for creation")
	default:
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return w, nil
}

// OnReload registers fn for successful reloads.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("config watcher started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if it changed since the last check and reports
// whether a reload was delivered. An invalid file is logged and skipped;
// the previous configuration stays in effect.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastMod) {
		w.mu.Unlock()
		return false
	}
	w.lastMod = info.ModTime()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("ignoring invalid config change", zap.Error(err))
		return false
	}

	w.logger.Info("config reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
	return true
}
