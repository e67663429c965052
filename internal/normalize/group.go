package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
	"github.com/apaku/tracetool/pkg/types"
)

// GroupCache resolves trace-point-group names to trace_point_group.id.
// Unlike the other dimension caches it carries no LRU bound — groups are
// few (spec.md §4.2).
type GroupCache struct {
	cache *lru.Cache[string, int64]
}

// NewGroupCache creates an unbounded GroupCache.
func NewGroupCache() *GroupCache {
	return &GroupCache{cache: lru.New[string, int64](0)}
}

// Store resolves name to its surrogate id, inserting a trace_point_group
// row on first sight within tx.
func (c *GroupCache) Store(tx *sql.Tx, name string) (int64, error) {
	return resolve(c.cache, name, "group.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow("SELECT id FROM trace_point_group WHERE name = ?", name).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec("INSERT INTO trace_point_group(name) VALUES (?)", name)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// RegisterDeclaredKeys pre-registers every producer-declared TraceKey name
// before the entry's own group is resolved (spec.md §4.2; SUPPLEMENTED
// FEATURES #1 in SPEC_FULL.md). Keys declared with Enabled=false are still
// registered: persistence of a key's definition is independent of its
// current enablement.
func (c *GroupCache) RegisterDeclaredKeys(tx *sql.Tx, keys []types.TraceKey) error {
	for _, key := range keys {
		if key.Name == "" {
			continue
		}
		if _, err := c.Store(tx, key.Name); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate clears the cache.
func (c *GroupCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries.
func (c *GroupCache) Len() int {
	return c.cache.Len()
}
