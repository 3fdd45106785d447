package engine

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/internal/selector"
	"github.com/nkkko/msgselect/pkg/proto"
)

// selectionCache keeps the wire form of the latest snapshot per selector so
// repeated reads of an unchanged selection do not rebuild it. Keys are
// selector names and the capacity covers all of them, so nothing is evicted;
// the cache bounds conversion work, not memory.
type selectionCache struct {
	entries *lru.TwoQueueCache
	metrics *metrics.Metrics
}

// minCacheSize keeps the 2Q ghost list non-empty
const minCacheSize = 16

type cacheEntry struct {
	generation uint64
	selection  *proto.Selection
}

func newSelectionCache(capacity int) (*selectionCache, error) {
	if capacity < minCacheSize {
		capacity = minCacheSize
	}
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &selectionCache{
		entries: entries,
		metrics: metrics.GetMetrics(),
	}, nil
}

// get returns the wire form of snap, converting and storing it on a miss.
// Entries of older generations are replaced.
func (c *selectionCache) get(name string, snap *selector.Snapshot) *proto.Selection {
	if value, ok := c.entries.Get(name); ok {
		entry := value.(cacheEntry)
		if entry.generation == snap.Generation {
			c.metrics.SelectionCacheTotal.WithLabelValues("hit").Inc()
			return entry.selection
		}
	}

	c.metrics.SelectionCacheTotal.WithLabelValues("miss").Inc()
	selection := snap.ToProto(name)
	c.entries.Add(name, cacheEntry{generation: snap.Generation, selection: selection})
	return selection
}
