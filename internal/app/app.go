// Package app wires together every component of the trace server into one
// runnable process: configuration, the live store and its normalization
// caches, the ingestion controller, the archiver, GUI fan-out, the
// producer/GUI connection server, telemetry, metrics, resource sampling,
// and the admin introspection surface.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/admin"
	"github.com/apaku/tracetool/internal/archive"
	"github.com/apaku/tracetool/internal/config"
	"github.com/apaku/tracetool/internal/fanout"
	"github.com/apaku/tracetool/internal/ingest"
	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/resource"
	"github.com/apaku/tracetool/internal/server"
	"github.com/apaku/tracetool/internal/store"
	"github.com/apaku/tracetool/internal/telemetry"
	"github.com/apaku/tracetool/pkg/cleanup"
	"github.com/apaku/tracetool/pkg/hotreload"
	"github.com/apaku/tracetool/pkg/types"
)

// App owns every long-lived component and coordinates their startup and
// shutdown order.
type App struct {
	config *types.Config
	logger *logrus.Logger

	store      *store.Store
	caches     *normalize.Caches
	registry   *fanout.Registry
	archiver   *archive.Archiver
	controller *ingest.Controller
	telemetry  *telemetry.Provider
	metrics    *metrics.Metrics
	sampler    *resource.Sampler
	connServer *server.Server
	adminSrv   *admin.Server
	reloader   *hotreload.ConfigReloader
	diskMon    *cleanup.DiskSpaceManager

	ctx        context.Context
	cancel     context.CancelFunc
	configFile string
	wg         sync.WaitGroup
}

// New loads configuration from configFile, builds every component in
// dependency order, and returns an App ready to Run.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		configFile: configFile,
	}

	if err := a.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("initialize components: %w", err)
	}

	return a, nil
}

func (a *App) initializeComponents() error {
	s, err := store.Open(a.config.Store.Path, a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = s

	a.caches = normalize.NewCaches(a.config.Cache)
	a.registry = fanout.NewRegistry(a.logger)
	a.archiver = archive.New(a.store, a.caches, a.logger)
	a.controller = ingest.NewController(a.store, a.caches, a.registry, a.archiver, a.logger)

	if err := a.controller.ApplyStorageConfiguration(a.ctx, types.StorageConfiguration{
		MaxSize:    a.config.Storage.MaxSize,
		ShrinkBy:   a.config.Storage.ShrinkBy,
		ArchiveDir: a.config.Storage.ArchiveDir,
	}); err != nil {
		return fmt.Errorf("apply initial storage configuration: %w", err)
	}

	tel, err := telemetry.New(a.config.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel

	if a.config.Metrics.Enabled {
		a.metrics = metrics.New()
		a.controller.SetMetrics(a.metrics)
		a.archiver.SetMetrics(a.metrics)
		a.registry.SetMetrics(a.metrics)
	}

	a.controller.SetTracer(tel.Tracer())
	a.archiver.SetTracer(tel.Tracer())

	a.sampler = resource.New(a.config.Resource, a.caches, a.store, a.metrics, a.logger)

	if a.config.Storage.ArchiveDir != "" {
		a.diskMon = cleanup.NewDiskSpaceManager(cleanup.Config{Path: a.config.Storage.ArchiveDir}, a.logger)
		a.diskMon.SetMetrics(a.metrics)
	}

	a.connServer = server.New(server.Config{
		ProducerAddress: a.config.Server.ProducerAddress,
		GUIAddress:      a.config.Server.GUIAddress,
		IdleTimeout:     a.config.Server.ProducerIdleTimeout,
	}, a.controller, a.archiver, a.registry, a.config.Store.Path, a.logger)
	a.connServer.SetMetrics(a.metrics)

	if a.config.Admin.Enabled {
		a.adminSrv = admin.New(a.config.Admin.Address, a.connServer, a.store, a.logger)
	}

	reloader, err := hotreload.NewConfigReloader(a.config.HotReload, a.configFile, a.config, a.logger)
	if err != nil {
		return fmt.Errorf("init config reloader: %w", err)
	}
	reloader.SetCallback(a.applyReloadedConfig)
	a.reloader = reloader

	return nil
}

// applyReloadedConfig live-applies the subset of configuration that is
// safe to change without a restart. Cache capacity changes are detected
// by the reloader but only logged here: resizing a live LRU cache would
// require support the cache layer doesn't have, so they still require a
// restart.
func (a *App) applyReloadedConfig(newCfg *types.Config) {
	level, err := logrus.ParseLevel(newCfg.App.LogLevel)
	if err != nil {
		a.logger.WithError(err).Warn("hotreload: invalid log level, keeping current level")
		return
	}
	a.logger.SetLevel(level)
	a.logger.WithField("log_level", newCfg.App.LogLevel).Info("hotreload: log level updated")

	if newCfg.Cache != a.config.Cache {
		a.logger.Warn("hotreload: cache capacity change detected but requires a restart to take effect")
	}
}

// Start begins serving on every listener and background loop. The store
// and its workers are already live by the time a connection can reach
// them. The resource sampler and the admin surface start first, then the
// archive disk monitor and the config reloader; the connection server's
// listeners are opened last, in the background.
func (a *App) Start() error {
	a.logger.Info("starting tracetool server")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sampler.Run(a.ctx)
	}()

	if a.adminSrv != nil {
		a.adminSrv.Start()
	}

	if a.diskMon != nil {
		if err := a.diskMon.Start(); err != nil {
			return fmt.Errorf("start archive disk monitor: %w", err)
		}
	}

	if err := a.reloader.Start(); err != nil {
		return fmt.Errorf("start config reloader: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.connServer.Run(a.ctx); err != nil {
			a.logger.WithError(err).Error("connection server exited")
		}
	}()

	a.logger.Info("tracetool server started")
	return nil
}

// Stop quiesces every component, in the reverse of Start's dependency
// order, and closes the store last so no in-flight operation observes a
// closed handle.
func (a *App) Stop() error {
	a.logger.Info("stopping tracetool server")
	a.cancel()

	if err := a.reloader.Stop(); err != nil {
		a.logger.WithError(err).Error("failed to stop config reloader")
	}

	if a.diskMon != nil {
		if err := a.diskMon.Stop(); err != nil {
			a.logger.WithError(err).Error("failed to stop archive disk monitor")
		}
	}

	if a.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.adminSrv.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("failed to stop admin server")
		}
	}

	a.wg.Wait()

	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("failed to shut down telemetry")
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close store")
	}

	a.logger.Info("tracetool server stopped")
	return nil
}

// Run starts the application and blocks until SIGINT or SIGTERM, then
// shuts down gracefully.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("shutdown signal received")

	return a.Stop()
}
