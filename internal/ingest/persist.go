// Package ingest implements the Ingestion Controller (spec.md §4.4): it
// orchestrates per-record persistence, normalizing each record's
// attributes through the normalization caches inside a single
// transaction, and reacts to the store's storage-full signal by invoking
// the archiver and retrying once.
package ingest

import (
	"database/sql"

	"github.com/apaku/tracetool/internal/normalize"
	"github.com/apaku/tracetool/pkg/types"
)

// PersistEntry implements spec.md §4.4 steps 2-4: it resolves every
// dimension id through caches, inserts the trace_entry row, and inserts
// its variable and stackframe rows, all within tx. It is exported so the
// archiver can reuse the identical storage path (without broadcast or
// retry) when copying entries into a fresh archive store (§4.5 step 6).
func PersistEntry(tx *sql.Tx, caches *normalize.Caches, entry *types.TraceEntry) (int64, error) {
	if err := caches.Group.RegisterDeclaredKeys(tx, entry.Keys); err != nil {
		return 0, err
	}

	pathID, err := caches.Path.Store(tx, entry.Path)
	if err != nil {
		return 0, err
	}
	functionID, err := caches.Function.Store(tx, entry.Function)
	if err != nil {
		return 0, err
	}
	processID, err := caches.Process.Store(tx, entry.ProcessName, entry.ProcessID, entry.ProcessStartTime)
	if err != nil {
		return 0, err
	}
	threadID, err := caches.Thread.Store(tx, processID, entry.ThreadID)
	if err != nil {
		return 0, err
	}

	var groupID int64
	if entry.Group != "" {
		groupID, err = caches.Group.Store(tx, entry.Group)
		if err != nil {
			return 0, err
		}
	}

	tracePointID, err := caches.TracePoint.Store(tx, entry.Type, pathID, entry.Line, functionID, groupID)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		"INSERT INTO trace_entry(traced_thread_id, timestamp, trace_point_id, message, stack_position) VALUES (?, ?, ?, ?, ?)",
		threadID, entry.Timestamp, tracePointID, entry.Message, entry.StackPosition,
	)
	if err != nil {
		return 0, err
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, v := range entry.Variables {
		if _, err := tx.Exec(
			"INSERT INTO variable(trace_entry_id, name, value, type) VALUES (?, ?, ?, ?)",
			entryID, v.Name, v.Value, int(v.Type),
		); err != nil {
			return 0, err
		}
	}

	for depth, f := range entry.Backtrace {
		if _, err := tx.Exec(
			"INSERT INTO stackframe(trace_entry_id, depth, module, function, function_offset, source_file, line_number) VALUES (?, ?, ?, ?, ?, ?, ?)",
			entryID, depth, f.Module, f.Function, f.FunctionOffset, f.SourceFile, f.LineNumber,
		); err != nil {
			return 0, err
		}
	}

	return entryID, nil
}
