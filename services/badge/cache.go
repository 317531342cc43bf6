package badge

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "badge_predicate_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "badge_predicate_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

// CompiledCatalog is the full badge set with predicates compiled.
type CompiledCatalog struct {
	Badges    []*CompiledBadge
	UpdatedAt time.Time
}

// CatalogCache keeps the compiled catalog hot. Reads are cheap; a miss is
// collapsed through singleflight so the catalog compiles once regardless of
// how many evaluations race on a cold cache.
type CatalogCache struct {
	mu    sync.RWMutex
	item  *CompiledCatalog
	ttl   time.Duration
	group singleflight.Group
}

func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{ttl: ttl}
}

func (c *CatalogCache) Get() (*CompiledCatalog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.item == nil || (c.ttl > 0 && time.Since(c.item.UpdatedAt) > c.ttl) {
		return nil, false
	}
	return c.item, true
}

func (c *CatalogCache) Set(v *CompiledCatalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.item = v
}

func (c *CatalogCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.item = nil
}

// GetOrLoad returns the cached catalog, loading it through singleflight on a
// miss.
func (c *CatalogCache) GetOrLoad(load func() (*CompiledCatalog, error)) (*CompiledCatalog, error) {
	if v, ok := c.Get(); ok {
		cacheHits.Inc()
		return v, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do("catalog", func() (any, error) {
		if v, ok := c.Get(); ok {
			return v, nil
		}
		loaded, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledCatalog), nil
}
