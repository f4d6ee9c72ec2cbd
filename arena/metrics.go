package arena

import (
	"expvar"

	"github.com/INLOpen/ventibase/cache"
	"github.com/INLOpen/ventibase/core"
)

// Block cache counters, shared by every open arena in the process.
var (
	cacheHits   = expvar.NewInt("arena_cache_hits")
	cacheMisses = expvar.NewInt("arena_cache_misses")
)

func newBlockCache(capacity int) *cache.LRUCache[core.Score, core.Block] {
	c := cache.NewLRUCache[core.Score, core.Block](capacity, nil, nil, nil)
	c.SetMetrics(cacheHits, cacheMisses)
	return c
}
