package normalize

import "github.com/apaku/tracetool/pkg/types"

// Caches bundles every normalization cache, owned exclusively by the
// store worker (REDESIGN FLAG "global state": these are fields of a
// struct passed to the owner, never file-scope globals, so archival and
// nuke have a single well-defined owner to invalidate).
type Caches struct {
	Path       *PathCache
	Function   *FunctionCache
	Process    *ProcessCache
	Thread     *ThreadCache
	TracePoint *TracePointCache
	Group      *GroupCache
}

// NewCaches builds the full set of normalization caches from configured
// LRU capacities.
func NewCaches(cfg types.CacheConfig) *Caches {
	return &Caches{
		Path:       NewPathCache(cfg.PathCapacity),
		Function:   NewFunctionCache(cfg.FunctionCapacity),
		Process:    NewProcessCache(cfg.ProcessCapacity),
		Thread:     NewThreadCache(cfg.ThreadCapacity),
		TracePoint: NewTracePointCache(cfg.TracePointCapacity),
		Group:      NewGroupCache(),
	}
}

// Sizes returns the current entry count of each dimension cache, keyed by
// the same label used for the cache size metrics.
func (c *Caches) Sizes() map[string]int {
	return map[string]int{
		"path":        c.Path.Len(),
		"function":    c.Function.Len(),
		"process":     c.Process.Len(),
		"thread":      c.Thread.Len(),
		"trace_point": c.TracePoint.Len(),
		"group":       c.Group.Len(),
	}
}

// InvalidateAll clears every cache, used by nuke_database (spec.md §4.5).
func (c *Caches) InvalidateAll() {
	c.Path.Invalidate()
	c.Function.Invalidate()
	c.Process.Invalidate()
	c.Thread.Invalidate()
	c.TracePoint.Invalidate()
	c.Group.Invalidate()
}
