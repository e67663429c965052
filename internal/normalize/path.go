package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
)

// PathCache resolves source path strings to path_name.id.
type PathCache struct {
	cache *lru.Cache[string, int64]
}

// NewPathCache creates a PathCache with the given LRU capacity.
func NewPathCache(capacity int) *PathCache {
	return &PathCache{cache: lru.New[string, int64](capacity)}
}

// Store resolves path to its surrogate id, inserting a path_name row on
// first sight within tx.
func (c *PathCache) Store(tx *sql.Tx, path string) (int64, error) {
	return resolve(c.cache, path, "path.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow("SELECT id FROM path_name WHERE name = ?", path).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec("INSERT INTO path_name(name) VALUES (?)", path)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// Invalidate clears the cache, required after any operation that deletes
// path_name rows (archival, nuke).
func (c *PathCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries, sampled by the resource
// monitor for the cache size gauges.
func (c *PathCache) Len() int {
	return c.cache.Len()
}
