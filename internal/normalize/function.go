package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
)

// FunctionCache resolves function name strings to function_name.id.
type FunctionCache struct {
	cache *lru.Cache[string, int64]
}

// NewFunctionCache creates a FunctionCache with the given LRU capacity.
func NewFunctionCache(capacity int) *FunctionCache {
	return &FunctionCache{cache: lru.New[string, int64](capacity)}
}

// Store resolves name to its surrogate id, inserting a function_name row
// on first sight within tx.
func (c *FunctionCache) Store(tx *sql.Tx, name string) (int64, error) {
	return resolve(c.cache, name, "function.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow("SELECT id FROM function_name WHERE name = ?", name).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec("INSERT INTO function_name(name) VALUES (?)", name)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// Invalidate clears the cache.
func (c *FunctionCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries.
func (c *FunctionCache) Len() int {
	return c.cache.Len()
}
