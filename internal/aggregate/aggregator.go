package aggregate

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/novelkg/novelkg/internal/storage"
)

// profileCacheSize is the per-novel capacity of the aggregate cache, keyed
// by profile kind and id, per novel.
const profileCacheSize = 100

// Aggregator derives read-side views (person profiles, the relationship
// graph, the map, the faction breakdown, the timeline) from a novel's
// persisted chapter facts, caching the result of each derivation until the
// next fact write invalidates it.
type Aggregator struct {
	store  *storage.Store
	logger *slog.Logger

	mu     sync.Mutex
	caches map[string]*lru.Cache[string, any] // novelID -> cache
}

// NewAggregator constructs an Aggregator backed by store.
func NewAggregator(store *storage.Store) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: slog.Default().With("component", "aggregator"),
		caches: map[string]*lru.Cache[string, any]{},
	}
}

func (a *Aggregator) cacheFor(novelID string) *lru.Cache[string, any] {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caches[novelID]
	if !ok {
		c, _ = lru.New[string, any](profileCacheSize)
		a.caches[novelID] = c
	}
	return c
}

func (a *Aggregator) get(novelID, key string) (any, bool) {
	return a.cacheFor(novelID).Get(key)
}

func (a *Aggregator) put(novelID, key string, value any) {
	a.cacheFor(novelID).Add(key, value)
}

// InvalidateNovel drops every cached view for a novel. Called whenever a
// ChapterFact, EntityDictionary, or UserOverride is written for it — the
// cheapest correct response given how cheaply the underlying views are
// recomputed from a single streaming pass.
func (a *Aggregator) InvalidateNovel(novelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.caches[novelID]; ok {
		c.Purge()
	}
}
