package normalize

import (
	"database/sql"

	"github.com/apaku/tracetool/pkg/lru"
)

// ThreadKey is the in-memory cache key for a traced thread.
type ThreadKey struct {
	ProcessID int64
	TID       int64
}

// ThreadCache resolves (process_id, tid) to traced_thread.id.
type ThreadCache struct {
	cache *lru.Cache[ThreadKey, int64]
}

// NewThreadCache creates a ThreadCache with the given LRU capacity.
func NewThreadCache(capacity int) *ThreadCache {
	return &ThreadCache{cache: lru.New[ThreadKey, int64](capacity)}
}

// Store resolves a thread to its surrogate id, inserting a traced_thread
// row on first sight within tx.
func (c *ThreadCache) Store(tx *sql.Tx, processID, tid int64) (int64, error) {
	key := ThreadKey{ProcessID: processID, TID: tid}
	return resolve(c.cache, key, "thread.store",
		func() (int64, error) {
			var id int64
			err := tx.QueryRow("SELECT id FROM traced_thread WHERE process_id = ? AND tid = ?", processID, tid).Scan(&id)
			return id, err
		},
		func() (int64, error) {
			res, err := tx.Exec("INSERT INTO traced_thread(process_id, tid) VALUES (?, ?)", processID, tid)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
}

// Invalidate clears the cache.
func (c *ThreadCache) Invalidate() {
	c.cache.Clear()
}

// Len returns the number of cached entries.
func (c *ThreadCache) Len() int {
	return c.cache.Len()
}
