package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
)

// ProcessKey is the in-memory cache key for a producer process. The SQL
// lookup's natural key is (pid, start_time) only; name is carried in the
// cache key purely to avoid a false cache hit if a pid is reused with a
// different process name within the same start_time — a theoretical, not
// practical, collision. This resolves the Process cache Open Question in
// spec.md §9 (the source's in-memory key omitted start_time entirely).
type ProcessKey struct {
	Name      string
	PID       int64
	StartTime int64
}

// ProcessCache resolves (name, pid, startTime) to process.id.
type ProcessCache struct {
	cache *lru.Cache[ProcessKey, int64]
}

// NewProcessCache creates a ProcessCache with the given LRU capacity.
func NewProcessCache(capacity int) *ProcessCache {
	return &ProcessCache{cache: lru.New[ProcessKey, int64](capacity)}
}

// Store resolves a process to its surrogate id, inserting a process row
// on first sight within tx. The SQL SELECT keys on (pid, start_time)
// only, per spec.md §4.2 — name is not part of the store's uniqueness
// check, only the cache's.
func (c *ProcessCache) Store(tx *sql.Tx, name string, pid, startTime int64) (int64, error) {
	key := ProcessKey{Name: name, PID: pid, StartTime: startTime}
	return resolve(c.cache, key, "process.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow("SELECT id FROM process WHERE pid = ? AND start_time = ?", pid, startTime).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec("INSERT INTO process(name, pid, start_time, end_time) VALUES (?, ?, ?, NULL)", name, pid, startTime)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// Invalidate clears the cache.
func (c *ProcessCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries.
func (c *ProcessCache) Len() int {
	return c.cache.Len()
}
