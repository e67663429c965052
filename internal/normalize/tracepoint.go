package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
	"github.com/apaku/tracetool/pkg/types"
)

// TracePointKey is the value-tuple uniquely identifying a code site
// (spec.md §3). GroupID of 0 represents "no group" (NULL in the store);
// this is safe because surrogate ids are assigned starting at 1.
//
// The source's TracePointTuple::operator< used && between component
// comparisons, which is not a strict weak ordering (Open Question,
// spec.md §9). TracePointKey sidesteps the issue entirely: it is a plain
// comparable struct used as a map key, keyed by value equality and hash,
// never by an ordering.
type TracePointKey struct {
	Type       types.EntryType
	PathID     int64
	Line       int
	FunctionID int64
	GroupID    int64
}

// TracePointCache resolves the 5-tuple (type, path, line, function,
// group) to trace_point.id.
type TracePointCache struct {
	cache *lru.Cache[TracePointKey, int64]
}

// NewTracePointCache creates a TracePointCache with the given LRU capacity.
func NewTracePointCache(capacity int) *TracePointCache {
	return &TracePointCache{cache: lru.New[TracePointKey, int64](capacity)}
}

// Store resolves a trace point to its surrogate id, inserting a
// trace_point row on first sight within tx. groupID of 0 is stored as
// SQL NULL.
func (c *TracePointCache) Store(tx *sql.Tx, typ types.EntryType, pathID int64, line int, functionID, groupID int64) (int64, error) {
	key := TracePointKey{Type: typ, PathID: pathID, Line: line, FunctionID: functionID, GroupID: groupID}

	var nullableGroup sql.NullInt64
	if groupID != 0 {
		nullableGroup = sql.NullInt64{Int64: groupID, Valid: true}
	}

	return resolve(c.cache, key, "tracepoint.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow(
				`SELECT id FROM trace_point
				 WHERE type = ? AND path_id = ? AND line = ? AND function_id = ?
				   AND ((group_id IS NULL AND ? IS NULL) OR group_id = ?)`,
				int(typ), pathID, line, functionID, nullableGroup, nullableGroup,
			).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec(
				"INSERT INTO trace_point(type, path_id, line, function_id, group_id) VALUES (?, ?, ?, ?, ?)",
				int(typ), pathID, line, functionID, nullableGroup,
			)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// Invalidate clears the cache.
func (c *TracePointCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries.
func (c *TracePointCache) Len() int {
	return c.cache.Len()
}
