package storage

import (
	"container/list"
	"sync"
)

// pageCacheEntry is one entry in the LRU list.
type pageCacheEntry struct {
	pageID uint32
	data   []byte
}

// LRUCache is a thread-safe, fixed-capacity LRU cache of raw page bytes,
// sitting under the Storage Engine's WAL overlays at the paged-file level
// (§4.1). Grounded on the teacher's LRUCache, generalized from *Page
// structs to raw page byte slices to match this module's page layout.
type LRUCache struct {
	capacity int
	mu       sync.Mutex
	index    map[uint32]*list.Element
	order    *list.List
	hits     uint64
	misses   uint64
}

// NewLRUCache creates a cache holding at most capacity pages. A capacity
// of 0 disables caching; Get always misses and Put is a no-op.
func NewLRUCache(capacity int) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		index:    make(map[uint32]*list.Element),
		order:    list.New(),
	}
}

// Get returns a copy of the cached bytes for pageID, if present.
func (c *LRUCache) Get(pageID uint32) ([]byte, bool) {
	if c.capacity == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[pageID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	entry := elem.Value.(*pageCacheEntry)
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

// Put inserts or refreshes pageID's bytes, evicting the least-recently-used
// entry if over capacity.
func (c *LRUCache) Put(pageID uint32, data []byte) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if elem, ok := c.index[pageID]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*pageCacheEntry).data = stored
		return
	}

	elem := c.order.PushFront(&pageCacheEntry{pageID: pageID, data: stored})
	c.index[pageID] = elem

	if c.order.Len() > c.capacity {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.index, back.Value.(*pageCacheEntry).pageID)
		}
	}
}

// Remove evicts pageID from the cache, if present.
func (c *LRUCache) Remove(pageID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[pageID]; ok {
		c.order.Remove(elem)
		delete(c.index, pageID)
	}
}

// Clear empties the cache and resets hit/miss counters.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[uint32]*list.Element)
	c.order = list.New()
	c.hits, c.misses = 0, 0
}

// CacheStats reports LRU hit-rate statistics.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
	HitRate  float64
}

// Stats reports the cache's current hit rate.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{Size: c.order.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses, HitRate: rate}
}
