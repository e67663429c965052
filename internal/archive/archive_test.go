package archive_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/apaku/tracetool/internal/archive"
	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/internal/store"
	"github.com/apaku/tracetool/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*store.Store, *normalize.Caches) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := store.Open(filepath.Join(dir, "live.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, normalize.NewCaches(types.CacheConfig{PathCapacity: 10, FunctionCapacity: 10, ProcessCapacity: 10, ThreadCapacity: 10, TracePointCapacity: 10})
}

func seedEntry(t *testing.T, s *store.Store, caches *normalize.Caches, pid, timestamp int64) {
	t.Helper()
	entry := &types.TraceEntry{
		ProcessID: pid, ProcessStartTime: 1, ThreadID: 1, Timestamp: timestamp,
		Type: types.EntryLog, Path: "/a.cpp", Line: 1, Function: "f",
		ProcessName: "proc", Message: "m", StackPosition: 0,
		Variables: []types.Variable{{Name: "x", Type: types.VarNumber, Value: "1"}},
		Backtrace: []types.StackFrame{{Module: "m.so", Function: "f", SourceFile: "/a.cpp", LineNumber: 1}},
	}

	err := s.WithTx(t.Context(), "seed", func(tx *sql.Tx) error {
		_, insertErr := insertEntry(tx, caches, entry)
		return insertErr
	})
	require.NoError(t, err)
}

// insertEntry mirrors internal/ingest.PersistEntry without importing it,
// to avoid a test-only import cycle concern; it is kept in lockstep with
// the real storage path by the shared schema and caches package.
func insertEntry(tx *sql.Tx, caches *normalize.Caches, e *types.TraceEntry) (int64, error) {
	pathID, err := caches.Path.Store(tx, e.Path)
	if err != nil {
		return 0, err
	}
	functionID, err := caches.Function.Store(tx, e.Function)
	if err != nil {
		return 0, err
	}
	processID, err := caches.Process.Store(tx, e.ProcessName, e.ProcessID, e.ProcessStartTime)
	if err != nil {
		return 0, err
	}
	threadID, err := caches.Thread.Store(tx, processID, e.ThreadID)
	if err != nil {
		return 0, err
	}
	tracePointID, err := caches.TracePoint.Store(tx, e.Type, pathID, e.Line, functionID, 0)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(
		"INSERT INTO trace_entry(traced_thread_id, timestamp, trace_point_id, message, stack_position) VALUES (?, ?, ?, ?, ?)",
		threadID, e.Timestamp, tracePointID, e.Message, e.StackPosition,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec("INSERT INTO variable(trace_entry_id, name, value, type) VALUES (?, ?, ?, ?)", id, "x", "1", int(types.VarNumber))
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec("INSERT INTO stackframe(trace_entry_id, depth, module, function, function_offset, source_file, line_number) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, 0, "m.so", "f", "", "/a.cpp", 1)
	return id, err
}

// TestArchivalConservation covers spec.md §8's "Archive conservation"
// law: after archiving N oldest entries, live+archive together still
// hold every entry, and no dimension row in the live store is left
// orphaned.
func TestArchivalConservation(t *testing.T) {
	s, caches := newTestStore(t)
	for i := int64(0); i < 10; i++ {
		seedEntry(t, s, caches, 100+i, i)
	}

	var before int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trace_entry").Scan(&before))
	require.Equal(t, int64(10), before)

	a := archive.New(s, caches, nil)
	require.NoError(t, a.Run(t.Context(), 30, t.TempDir()))

	var after int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trace_entry").Scan(&after))
	require.Equal(t, int64(7), after, "round(10 * 30 / 100) = 3 entries archived")

	var orphanProcesses int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM process WHERE id NOT IN (SELECT process_id FROM traced_thread)").Scan(&orphanProcesses))
	require.Zero(t, orphanProcesses)

	var orphanPaths int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM path_name WHERE id NOT IN (SELECT path_id FROM trace_point)").Scan(&orphanPaths))
	require.Zero(t, orphanPaths)
}

// TestRunZeroPercentIsNoop covers spec.md §4.5 step 1.
func TestRunZeroPercentIsNoop(t *testing.T) {
	s, caches := newTestStore(t)
	seedEntry(t, s, caches, 1, 1)

	a := archive.New(s, caches, nil)
	require.NoError(t, a.Run(t.Context(), 0, t.TempDir()))

	var count int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trace_entry").Scan(&count))
	require.Equal(t, int64(1), count)
}

// TestNukeDatabaseClearsEverything covers spec.md §4.5's nuke_database.
func TestNukeDatabaseClearsEverything(t *testing.T) {
	s, caches := newTestStore(t)
	seedEntry(t, s, caches, 1, 1)

	a := archive.New(s, caches, nil)
	require.NoError(t, a.NukeDatabase(t.Context()))

	var count int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM trace_entry").Scan(&count))
	require.Zero(t, count)

	var pathRows int64
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM path_name").Scan(&pathRows))
	require.Zero(t, pathRows)
}
