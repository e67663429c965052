// Package hotreload watches the config file for changes and invokes a
// callback when a reloadable setting changes: log level or normalization
// cache capacities. The application's callback applies a new log level
// live; a cache capacity change is only logged and takes effect after a
// restart. Everything else (listen addresses, store path) requires a full
// restart to take effect.
package hotreload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/config"
	"github.com/apaku/tracetool/pkg/types"
)

// ConfigReloader watches configFile and invokes its callback whenever the
// reloadable subset of configuration changes.
type ConfigReloader struct {
	cfg        types.HotReloadConfig
	configFile string
	logger     *logrus.Logger

	watcher *fsnotify.Watcher

	onChanged func(*types.Config)

	current atomic.Pointer[types.Config]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	reloadsTotal  atomic.Int64
	reloadsFailed atomic.Int64
}

// NewConfigReloader builds a ConfigReloader. If cfg.Enabled is false the
// returned reloader's Start is a no-op; no file watcher is created.
func NewConfigReloader(cfg types.HotReloadConfig, configFile string, initial *types.Config, logger *logrus.Logger) (*ConfigReloader, error) {
	cr := &ConfigReloader{cfg: cfg, configFile: configFile, logger: logger}
	cr.current.Store(initial)

	if !cfg.Enabled {
		return cr, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	cr.watcher = watcher

	if cr.cfg.DebounceInterval <= 0 {
		cr.cfg.DebounceInterval = 500 * time.Millisecond
	}

	return cr, nil
}

// SetCallback registers the function invoked with the freshly loaded
// configuration after a reload whose reloadable fields actually changed.
func (cr *ConfigReloader) SetCallback(onChanged func(*types.Config)) {
	cr.onChanged = onChanged
}

// Start begins watching configFile and its containing directory (so
// atomic-rename-based editors are observed, not just in-place writes).
func (cr *ConfigReloader) Start() error {
	if !cr.cfg.Enabled {
		return nil
	}
	if cr.running.Load() {
		return fmt.Errorf("hotreload: already running")
	}

	absPath, err := filepath.Abs(cr.configFile)
	if err != nil {
		return fmt.Errorf("hotreload: resolve config path: %w", err)
	}
	cr.configFile = absPath

	if err := cr.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("hotreload: watch config directory: %w", err)
	}

	cr.ctx, cr.cancel = context.WithCancel(context.Background())
	cr.wg.Add(1)
	go cr.watch()
	cr.running.Store(true)

	if cr.logger != nil {
		cr.logger.WithField("file", absPath).Info("hotreload: watching config file")
	}
	return nil
}

// Stop stops watching and releases the fsnotify watcher.
func (cr *ConfigReloader) Stop() error {
	if !cr.running.Load() {
		return nil
	}
	cr.running.Store(false)
	cr.cancel()
	if cr.watcher != nil {
		cr.watcher.Close()
	}
	cr.wg.Wait()
	return nil
}

func (cr *ConfigReloader) watch() {
	defer cr.wg.Done()

	var debounce *time.Timer
	pending := false

	for {
		var debounceC <-chan time.Time
		if debounce != nil {
			debounceC = debounce.C
		}

		select {
		case <-cr.ctx.Done():
			return

		case event, ok := <-cr.watcher.Events:
			if !ok {
				return
			}
			if !cr.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(cr.cfg.DebounceInterval)
			pending = true

		case err, ok := <-cr.watcher.Errors:
			if !ok {
				return
			}
			if cr.logger != nil {
				cr.logger.WithError(err).Warn("hotreload: watcher error")
			}

		case <-debounceC:
			if pending {
				pending = false
				cr.reload()
			}
		}
	}
}

func (cr *ConfigReloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return absPath == cr.configFile
}

func (cr *ConfigReloader) reload() {
	newCfg, err := config.Load(cr.configFile)
	if err != nil {
		cr.reloadsFailed.Add(1)
		if cr.logger != nil {
			cr.logger.WithError(err).Warn("hotreload: reload failed")
		}
		return
	}

	old := cr.current.Load()
	cr.current.Store(newCfg)
	cr.reloadsTotal.Add(1)

	if old != nil && !reloadableChanged(old, newCfg) {
		return
	}

	if cr.logger != nil {
		cr.logger.WithFields(logrus.Fields{
			"log_level": newCfg.App.LogLevel,
		}).Info("hotreload: applying reloadable configuration change")
	}
	if cr.onChanged != nil {
		cr.onChanged(newCfg)
	}
}

// reloadableChanged reports whether any field this package is allowed to
// hot-apply differs between old and new. Listen addresses, the store
// path, and every other field require a restart and are deliberately not
// compared here.
func reloadableChanged(old, new *types.Config) bool {
	if old.App.LogLevel != new.App.LogLevel {
		return true
	}
	return old.Cache != new.Cache
}

// CurrentConfig returns the most recently loaded configuration.
func (cr *ConfigReloader) CurrentConfig() *types.Config {
	return cr.current.Load()
}

// Stats summarizes reload activity, exposed via the admin surface.
type Stats struct {
	ReloadsTotal  int64 `json:"reloads_total"`
	ReloadsFailed int64 `json:"reloads_failed"`
}

// GetStats returns a snapshot of reload counters.
func (cr *ConfigReloader) GetStats() Stats {
	return Stats{
		ReloadsTotal:  cr.reloadsTotal.Load(),
		ReloadsFailed: cr.reloadsFailed.Load(),
	}
}
