package store

// schema is the fixed relational schema (spec.md §3). Column and table
// names match the specification exactly; there is no migration path —
// schema version is fixed by the specification this server implements.
const schema = `
CREATE TABLE IF NOT EXISTS path_name (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS function_name (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS trace_point_group (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS process (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	UNIQUE(pid, start_time)
);

CREATE TABLE IF NOT EXISTS traced_thread (
	id         INTEGER PRIMARY KEY,
	process_id INTEGER NOT NULL REFERENCES process(id),
	tid        INTEGER NOT NULL,
	UNIQUE(process_id, tid)
);

CREATE TABLE IF NOT EXISTS trace_point (
	id          INTEGER PRIMARY KEY,
	type        INTEGER NOT NULL,
	path_id     INTEGER NOT NULL REFERENCES path_name(id),
	line        INTEGER NOT NULL,
	function_id INTEGER NOT NULL REFERENCES function_name(id),
	group_id    INTEGER REFERENCES trace_point_group(id),
	UNIQUE(type, path_id, line, function_id, group_id)
);

CREATE TABLE IF NOT EXISTS trace_entry (
	id               INTEGER PRIMARY KEY,
	traced_thread_id INTEGER NOT NULL REFERENCES traced_thread(id),
	timestamp        INTEGER NOT NULL,
	trace_point_id   INTEGER NOT NULL REFERENCES trace_point(id),
	message          TEXT NOT NULL,
	stack_position   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS variable (
	trace_entry_id INTEGER NOT NULL REFERENCES trace_entry(id),
	name           TEXT NOT NULL,
	value          TEXT NOT NULL,
	type           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stackframe (
	trace_entry_id  INTEGER NOT NULL REFERENCES trace_entry(id),
	depth           INTEGER NOT NULL,
	module          TEXT NOT NULL,
	function        TEXT NOT NULL,
	function_offset TEXT NOT NULL,
	source_file     TEXT NOT NULL,
	line_number     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_variable_entry ON variable(trace_entry_id);
CREATE INDEX IF NOT EXISTS idx_stackframe_entry ON stackframe(trace_entry_id);
CREATE INDEX IF NOT EXISTS idx_trace_entry_thread ON trace_entry(traced_thread_id);
CREATE INDEX IF NOT EXISTS idx_traced_thread_process ON traced_thread(process_id);
`

// MaxPageCount is the engine's documented page-count ceiling, used when a
// StorageConfiguration requests types.UnlimitedStorage (spec.md §4.4).
// SQLite's own PRAGMA max_page_count defaults to 2^31-1; we use 2^30-1 to
// stay well clear of the driver's internal arithmetic limits.
const MaxPageCount int64 = 1<<30 - 1
