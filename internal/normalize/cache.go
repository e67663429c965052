// Package normalize implements the normalization caches (spec.md §4.2):
// typed wrappers around pkg/lru that resolve domain keys (paths, function
// names, processes, threads, trace points, groups) to surrogate integer
// ids, populating the live store on miss inside the caller's transaction.
package normalize

import (
	"database/sql"
	"errors"

	"github.com/apaku/tracetool/pkg/lru"

	apperrors "github.com/apaku/tracetool/pkg/errors"
)

// resolve implements the five-step algorithm common to every dimension
// cache (spec.md §4.2):
//  1. in-memory cache hit → return.
//  2. SELECT on the natural key within the caller's transaction.
//  3. on miss, INSERT and take the new id.
//  4. fail with CorruptStore if the id is not a non-negative integer.
//  5. memoize and return.
func resolve[K comparable](cache *lru.Cache[K, int64], key K, operation string, selectFn func() (int64, error), insertFn func() (int64, error)) (int64, error) {
	if id, ok := cache.Fetch(key); ok {
		return id, nil
	}

	id, err := selectFn()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = insertFn()
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	}

	if id < 0 {
		return 0, apperrors.CorruptStoreError(operation, "resolved id is not a non-negative integer")
	}

	cache.Insert(key, id)
	return id, nil
}
