package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/apaku/tracetool/internal/fanout"
	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/store"
	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/apaku/tracetool/pkg/types"
)

// Archiver invokes an archival pass against the live store, per
// spec.md §4.5. It is an interface here so internal/archive can depend
// on internal/ingest (to reuse PersistEntry) without creating an import
// cycle back the other way.
type Archiver interface {
	Run(ctx context.Context, percent int, archiveDir string) error
	NukeDatabase(ctx context.Context) error
}

// Controller is the Ingestion Controller (spec.md §4.4), owned
// exclusively by the store worker goroutine along with the store and
// caches it is constructed with (REDESIGN FLAG "global state").
type Controller struct {
	store    *store.Store
	caches   *normalize.Caches
	registry *fanout.Registry
	archiver Archiver
	logger   *logrus.Logger

	// mu serializes every store-worker operation end to end, including
	// the post-commit broadcast: spec.md §5's "sequence of broadcasts
	// observed by a given GUI matches the sequence of successful
	// ingestions" only holds if commit-then-broadcast cannot interleave
	// across two concurrently ingesting connections. store.mu alone only
	// serializes the transaction itself, not the broadcast that follows
	// it, so Controller carries its own wider lock.
	mu         sync.Mutex
	storageCfg types.StorageConfiguration

	tracer  oteltrace.Tracer
	metrics *metrics.Metrics
}

// SetTracer attaches a tracer used to span Ingest calls. Passing
// nil (the zero value) disables tracing, which is also the default.
func (c *Controller) SetTracer(t oteltrace.Tracer) {
	c.tracer = t
}

// SetMetrics attaches the Prometheus metrics updated on every operation.
// Passing nil disables metrics recording.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// NewController builds a Controller. registry may be nil (e.g. in tests
// that only exercise persistence), in which case broadcasts are skipped.
func NewController(s *store.Store, caches *normalize.Caches, registry *fanout.Registry, archiver Archiver, logger *logrus.Logger) *Controller {
	return &Controller{store: s, caches: caches, registry: registry, archiver: archiver, logger: logger}
}

// Ingest persists entry atomically and broadcasts it, per spec.md §4.4.
// A storage-full commit failure triggers exactly one archival-and-retry
// cycle; a second storage-full failure drops the entry.
func (c *Controller) Ingest(ctx context.Context, entry *types.TraceEntry) error {
	if c.tracer != nil {
		var span oteltrace.Span
		ctx, span = c.tracer.Start(ctx, "ingest.Ingest")
		defer span.End()
	}
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ingest(ctx, entry, true)

	if c.metrics != nil {
		c.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.EntriesIngestedTotal.WithLabelValues(entry.Type.String()).Inc()
		}
	}
	return err
}

func (c *Controller) ingest(ctx context.Context, entry *types.TraceEntry, allowRetry bool) error {
	err := c.store.WithTx(ctx, "ingest", func(tx *sql.Tx) error {
		_, txErr := PersistEntry(tx, c.caches, entry)
		return txErr
	})
	if err == nil {
		c.broadcastEntry(entry)
		return nil
	}

	if !apperrors.Is(err, apperrors.KindStoreFull) {
		c.logErr("ingest", err)
		c.recordError("ingest")
		return err
	}

	if c.metrics != nil {
		c.metrics.StorageFullTotal.Inc()
	}

	if !allowRetry {
		c.logErr("ingest", fmt.Errorf("second storage-full failure, dropping entry: %w", err))
		c.recordError("storage_full")
		return err
	}

	if archErr := c.archiver.Run(ctx, c.storageCfg.ShrinkBy, c.storageCfg.ArchiveDir); archErr != nil {
		c.logErr("archive", archErr)
		c.recordError("archive")
		return archErr
	}
	if c.registry != nil {
		if bErr := c.registry.BroadcastNukeFinished(); bErr != nil {
			c.logErr("broadcast_nuke_finished", bErr)
		}
	}

	return c.ingest(ctx, entry, false)
}

func (c *Controller) recordError(kind string) {
	if c.metrics != nil {
		c.metrics.IngestErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// IngestShutdown records a process's end_time and broadcasts the event,
// per spec.md §4.4.
func (c *Controller) IngestShutdown(ctx context.Context, event *types.ProcessShutdownEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.store.WithTx(ctx, "ingest_shutdown", func(tx *sql.Tx) error {
		_, txErr := tx.Exec(
			"UPDATE process SET end_time = ? WHERE pid = ? AND start_time = ?",
			event.StopTime, event.ProcessID, event.StartTime,
		)
		return txErr
	})
	if err != nil {
		c.logErr("ingest_shutdown", err)
		return err
	}

	if c.registry != nil {
		if bErr := c.registry.BroadcastShutdownEvent(event); bErr != nil {
			c.logErr("broadcast_shutdown", bErr)
		}
	}
	return nil
}

// ApplyStorageConfiguration is idempotent (spec.md §4.4): if every field
// matches the current configuration it returns immediately. Otherwise it
// clamps shrinkBy, recomputes the engine's page-count ceiling without
// ever shrinking below current occupancy, and updates the cached config.
func (c *Controller) ApplyStorageConfiguration(ctx context.Context, cfg types.StorageConfiguration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg = cfg.Clamped()
	if cfg.Equal(c.storageCfg) {
		return nil
	}

	if cfg.MaxSize == types.UnlimitedStorage {
		if err := c.store.SetMaxPageCount(ctx, store.MaxPageCount); err != nil {
			return fmt.Errorf("apply storage configuration: %w", err)
		}
	} else {
		pageSize, err := c.store.PageSize(ctx)
		if err != nil {
			return fmt.Errorf("apply storage configuration: read page size: %w", err)
		}
		currentPages, err := c.store.PageCount(ctx)
		if err != nil {
			return fmt.Errorf("apply storage configuration: read page count: %w", err)
		}

		wantedPages := cfg.MaxSize / pageSize
		maxPages := currentPages
		if wantedPages > maxPages {
			maxPages = wantedPages
		}
		if err := c.store.SetMaxPageCount(ctx, maxPages); err != nil {
			return fmt.Errorf("apply storage configuration: %w", err)
		}
	}

	c.storageCfg = cfg
	return nil
}

// StorageConfiguration returns the controller's currently applied
// configuration, used by the admin introspection surface.
func (c *Controller) StorageConfiguration() types.StorageConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storageCfg
}

// Nuke unconditionally clears the live store and every cache, then
// broadcasts DatabaseNukeFinished, per spec.md §4.5 nuke_database. It
// holds the same controller-wide lock as Ingest so the ordering
// guarantee in spec.md §5 holds: no concurrent ingest can commit and
// broadcast between the prune and the finished notification.
func (c *Controller) Nuke(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.archiver.NukeDatabase(ctx); err != nil {
		c.logErr("nuke", err)
		return err
	}
	if c.registry != nil {
		if err := c.registry.BroadcastNukeFinished(); err != nil {
			c.logErr("broadcast_nuke_finished", err)
		}
	}
	return nil
}

func (c *Controller) broadcastEntry(entry *types.TraceEntry) {
	if c.registry == nil {
		return
	}
	if err := c.registry.BroadcastTraceEntry(entry); err != nil {
		c.logErr("broadcast_entry", err)
	}
}

func (c *Controller) logErr(operation string, err error) {
	if c.logger == nil {
		return
	}
	fields := logrus.Fields{"component": "ingest", "operation": operation}
	if appErr, ok := err.(*apperrors.AppError); ok {
		for k, v := range appErr.ToFields() {
			fields[k] = v
		}
	}
	c.logger.WithFields(fields).WithError(err).Error("ingest operation failed")
}
