package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes an immutable configuration snapshot that is swapped as a whole.
// Readers call Current at every decision point and never mutate the result.
type Holder struct {
	current atomic.Pointer[AppConfig]

	mu        sync.Mutex
	listeners []func(AppConfig)
}

func NewHolder(cfg AppConfig) *Holder {
	h := &Holder{}
	snapshot := cloneConfig(cfg)
	h.current.Store(&snapshot)

	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() AppConfig {
	return *h.current.Load()
}

// Swap validates cfg and replaces the active snapshot. The interface set is
// fixed at startup; a reload that changes it is rejected.
func (h *Holder) Swap(cfg AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	prev := h.Current()
	if !sameInterfaceSet(prev.Interfaces, cfg.Interfaces) {
		return fmt.Errorf("interface set cannot change at runtime")
	}

	snapshot := cloneConfig(cfg)
	h.current.Store(&snapshot)

	h.mu.Lock()
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}

	return nil
}

// OnChange registers fn to run after every successful Swap.
func (h *Holder) OnChange(fn func(AppConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Watch reloads path on every write and swaps in the new snapshot until ctx
// is done. The returned channel is closed once the watcher has stopped.
// Invalid reloads are logged and the previous snapshot stays active.
func (h *Holder) Watch(ctx context.Context, path string, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default().With("component", "config")
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			_ = watcher.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != path || !e.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				h.reload(path, logger)
			}
		}
	}()

	return done, nil
}

func (h *Holder) reload(path string, logger *slog.Logger) {
	cfg, err := Load(path)
	if err != nil {
		logger.Warn("config reload failed", "path", path, "error", err)
		return
	}
	if err := h.Swap(cfg); err != nil {
		logger.Warn("config reload rejected", "path", path, "error", err)
		return
	}
	logger.Info("config reloaded", "path", path)
}

func cloneConfig(cfg AppConfig) AppConfig {
	cfg.Interfaces = slices.Clone(cfg.Interfaces)
	cfg.Bridge.Interfaces = slices.Clone(cfg.Bridge.Interfaces)

	return cfg
}

func sameInterfaceSet(a, b []InterfaceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].DeviceKey() != b[i].DeviceKey() {
			return false
		}
	}

	return true
}
