// Package archive implements the Archiver (spec.md §4.5): it creates a
// numbered archive database, copies the oldest N% of live entries (with
// their full dependency graph) into it, prunes the now-orphaned rows from
// the live store in dependency order, and invalidates the affected
// caches.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/apaku/tracetool/internal/ingest"
	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/store"
	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/apaku/tracetool/pkg/types"
)

// Archiver implements ingest.Archiver against one live store and its
// normalization caches.
type Archiver struct {
	live   *store.Store
	caches *normalize.Caches
	logger *logrus.Logger

	tracer  oteltrace.Tracer
	metrics *metrics.Metrics
}

// New builds an Archiver bound to the live store and caches it will
// prune. Both are owned by the same store worker that owns the
// ingestion controller using this Archiver.
func New(live *store.Store, caches *normalize.Caches, logger *logrus.Logger) *Archiver {
	return &Archiver{live: live, caches: caches, logger: logger}
}

// SetTracer attaches a tracer used to span archival passes.
func (a *Archiver) SetTracer(t oteltrace.Tracer) {
	a.tracer = t
}

// SetMetrics attaches the Prometheus metrics updated on every archival
// pass and nuke.
func (a *Archiver) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Run executes one archival pass, per spec.md §4.5's numbered protocol.
// percent == 0 is a no-op. archiveDir is created if it does not exist;
// failure to do so is reported as KindArchiveCreationFailed.
func (a *Archiver) Run(ctx context.Context, percent int, archiveDir string) error {
	if percent == 0 {
		return nil
	}

	if a.tracer != nil {
		var span oteltrace.Span
		ctx, span = a.tracer.Start(ctx, "archive.Run")
		defer span.End()
	}
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ArchivalDuration.Observe(time.Since(start).Seconds())
		}
	}()

	total, err := a.live.CountTraceEntries(ctx)
	if err != nil {
		return fmt.Errorf("archive: count trace entries: %w", err)
	}
	n := int64(math.Round(float64(total) * float64(percent) / 100.0))
	if n <= 0 {
		return nil
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return apperrors.ArchiveCreationFailedError("mkdir", err)
	}

	archivePath, err := nextArchivePath(archiveDir, a.live.Path())
	if err != nil {
		return apperrors.ArchiveCreationFailedError("choose_filename", err)
	}

	archiveStore, err := store.Open(archivePath, a.logger)
	if err != nil {
		return apperrors.ArchiveCreationFailedError("open_archive_store", err)
	}
	defer archiveStore.Close()

	entries, err := a.loadOldestEntries(ctx, n)
	if err != nil {
		return fmt.Errorf("archive: load oldest entries: %w", err)
	}

	archiveCaches := normalize.NewCaches(types.CacheConfig{})
	for _, e := range entries {
		if err := archiveStore.WithTx(ctx, "archive_copy", func(tx *sql.Tx) error {
			_, txErr := ingest.PersistEntry(tx, archiveCaches, e)
			return txErr
		}); err != nil {
			return fmt.Errorf("archive: copy entry: %w", err)
		}
	}

	if err := a.prune(ctx, n); err != nil {
		return fmt.Errorf("archive: prune live store: %w", err)
	}

	if a.metrics != nil {
		a.metrics.ArchivalRunsTotal.Inc()
		a.metrics.ArchivedEntriesTotal.Add(float64(n))
	}

	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"component":    "archive",
			"entries":      n,
			"archive_path": archivePath,
		}).Info("archival pass complete")
	}
	return nil
}

// nextArchivePath implements spec.md §4.5 step 4: scan D for files
// matching "*-<basename-of-live-db>", take k = count_of_matches + 1.
func nextArchivePath(archiveDir, liveDBPath string) (string, error) {
	base := filepath.Base(liveDBPath)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return "", err
	}

	suffix := "-" + base
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			count++
		}
	}
	k := count + 1
	return filepath.Join(archiveDir, fmt.Sprintf("%d%s", k, suffix)), nil
}

// loadOldestEntries implements spec.md §4.5 step 6: select the oldest N
// entries joined with their dependency rows, ordered by trace_entry.id
// ascending, reconstituting each full TraceEntry via secondary queries
// keyed by entry id.
func (a *Archiver) loadOldestEntries(ctx context.Context, n int64) ([]*types.TraceEntry, error) {
	var entries []*types.TraceEntry

	err := a.live.WithReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT te.id, te.timestamp, te.message, te.stack_position,
			       tp.type, pn.name, tp.line, fn.name, p.name, p.pid, p.start_time, th.tid,
			       COALESCE(g.name, '')
			FROM trace_entry te
			JOIN traced_thread th ON th.id = te.traced_thread_id
			JOIN process p ON p.id = th.process_id
			JOIN trace_point tp ON tp.id = te.trace_point_id
			JOIN path_name pn ON pn.id = tp.path_id
			JOIN function_name fn ON fn.id = tp.function_id
			LEFT JOIN trace_point_group g ON g.id = tp.group_id
			ORDER BY te.id ASC
			LIMIT ?`, n)
		if err != nil {
			return err
		}
		defer rows.Close()

		var ids []int64
		byID := make(map[int64]*types.TraceEntry)
		for rows.Next() {
			var id int64
			e := &types.TraceEntry{}
			var typ int
			if err := rows.Scan(&id, &e.Timestamp, &e.Message, &e.StackPosition,
				&typ, &e.Path, &e.Line, &e.Function, &e.ProcessName, &e.ProcessID, &e.ProcessStartTime, &e.ThreadID,
				&e.Group); err != nil {
				return err
			}
			e.Type = types.EntryType(typ)
			ids = append(ids, id)
			byID[id] = e
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			e := byID[id]
			if err := loadVariables(tx, id, e); err != nil {
				return err
			}
			if err := loadBacktrace(tx, id, e); err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func loadVariables(tx *sql.Tx, entryID int64, e *types.TraceEntry) error {
	rows, err := tx.Query("SELECT name, value, type FROM variable WHERE trace_entry_id = ?", entryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var v types.Variable
		var typ int
		if err := rows.Scan(&v.Name, &v.Value, &typ); err != nil {
			return err
		}
		v.Type = types.VariableType(typ)
		e.Variables = append(e.Variables, v)
	}
	return rows.Err()
}

func loadBacktrace(tx *sql.Tx, entryID int64, e *types.TraceEntry) error {
	rows, err := tx.Query(
		"SELECT depth, module, function, function_offset, source_file, line_number FROM stackframe WHERE trace_entry_id = ? ORDER BY depth ASC",
		entryID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var frames []types.StackFrame
	var depths []int
	for rows.Next() {
		var f types.StackFrame
		var depth int
		if err := rows.Scan(&depth, &f.Module, &f.Function, &f.FunctionOffset, &f.SourceFile, &f.LineNumber); err != nil {
			return err
		}
		depths = append(depths, depth)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(frames, func(i, j int) bool { return depths[i] < depths[j] })
	e.Backtrace = frames
	return nil
}

// prune implements spec.md §4.5 step 8: the nine-statement dependency-
// ordered delete sequence, invalidating the corresponding cache after
// each dimension prune.
func (a *Archiver) prune(ctx context.Context, n int64) error {
	return a.live.WithExclusive(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		statements := []struct {
			sql        string
			args       []interface{}
			invalidate func()
		}{
			{"DELETE FROM trace_entry WHERE id IN (SELECT id FROM trace_entry ORDER BY id LIMIT ?)", []interface{}{n}, nil},
			{"DELETE FROM trace_point WHERE id NOT IN (SELECT trace_point_id FROM trace_entry)", nil, a.caches.TracePoint.Invalidate},
			{"DELETE FROM function_name WHERE id NOT IN (SELECT function_id FROM trace_point)", nil, a.caches.Function.Invalidate},
			{"DELETE FROM path_name WHERE id NOT IN (SELECT path_id FROM trace_point)", nil, a.caches.Path.Invalidate},
			{"DELETE FROM trace_point_group WHERE id NOT IN (SELECT group_id FROM trace_point WHERE group_id IS NOT NULL)", nil, a.caches.Group.Invalidate},
			{"DELETE FROM traced_thread WHERE id NOT IN (SELECT traced_thread_id FROM trace_entry)", nil, a.caches.Thread.Invalidate},
			{"DELETE FROM process WHERE id NOT IN (SELECT process_id FROM traced_thread)", nil, a.caches.Process.Invalidate},
			{"DELETE FROM variable WHERE trace_entry_id NOT IN (SELECT id FROM trace_entry)", nil, nil},
			{"DELETE FROM stackframe WHERE trace_entry_id NOT IN (SELECT id FROM trace_entry)", nil, nil},
		}

		for _, s := range statements {
			if _, err := tx.Exec(s.sql, s.args...); err != nil {
				return err
			}
			if s.invalidate != nil {
				s.invalidate()
			}
		}
		return tx.Commit()
	})
}

// NukeDatabase unconditionally deletes all rows from all tables and
// clears every cache, per spec.md §4.5. The caller is responsible for
// broadcasting DatabaseNukeFinished afterward so the ordering guarantee
// in spec.md §5 holds.
func (a *Archiver) NukeDatabase(ctx context.Context) error {
	tables := []string{"variable", "stackframe", "trace_entry", "trace_point", "traced_thread", "process", "function_name", "path_name", "trace_point_group"}
	err := a.live.WithExclusive(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, table := range tables {
			// table names come from the fixed list above, never from
			// external input, so direct interpolation is safe here.
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("nuke_database: %w", err)
	}
	a.caches.InvalidateAll()
	if a.metrics != nil {
		a.metrics.NukeTotal.Inc()
	}
	return nil
}
