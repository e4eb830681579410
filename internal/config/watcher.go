package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
)

// PoolStore holds the current pool definitions. Watch tasks and allocation
// read it on every pass, so a reload takes effect on the next tick.
type PoolStore struct {
	mu      sync.RWMutex
	pools   []model.PoolDefinition
	version int
}

// NewPoolStore creates a store holding pools.
func NewPoolStore(pools []model.PoolDefinition) *PoolStore {
	s := &PoolStore{}
	s.Set(pools)
	return s
}

// Definitions returns a copy of the current definitions.
func (s *PoolStore) Definitions() []model.PoolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PoolDefinition(nil), s.pools...)
}

// Set replaces the definitions.
func (s *PoolStore) Set(pools []model.PoolDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = append([]model.PoolDefinition(nil), pools...)
	s.version++
}

// Generation counts how many times the definitions were set.
func (s *PoolStore) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes and publishes its
// pool definitions. A file that fails to parse or validate is logged and
// the previous definitions stay in place.
type Watcher struct {
	path   string
	store  *PoolStore
	Logger *slog.Logger
}

func NewWatcher(path string, store *PoolStore) *Watcher {
	return &Watcher{path: path, store: store, Logger: logging.With("config")}
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", abs, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := w.Reload(ctx); err != nil {
					w.Logger.Error("config_reload_failed", "path", abs, "error", err)
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config_watcher_error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// Reload parses the file once and publishes its pools if they are valid.
func (w *Watcher) Reload(ctx context.Context) error {
	cfg, err := Parse(ctx, w.path)
	if err != nil {
		return err
	}
	if err := errors.Join(ValidatePools(cfg.Pools)...); err != nil {
		return err
	}
	w.store.Set(cfg.Pools)
	w.Logger.Info("pool_definitions_reloaded", "path", w.path, "pools", len(cfg.Pools))
	return nil
}
