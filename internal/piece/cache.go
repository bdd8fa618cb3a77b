package piece

import (
	"sort"
	"sync"
)

// cacheEntry holds one cached piece plus the access counter used to decide
// what gets evicted when the cache is over budget.
type cacheEntry struct {
	data       []byte
	accessedAt uint64
}

// Cache is a byte-budgeted store of fully-assembled, verified pieces kept
// around to answer upload requests without touching disk. It evicts the
// oldest ~25% by access counter once curBytes exceeds maxBytes, rather than
// a strict single-entry LRU, so a burst of adds doesn't thrash one entry at
// a time.
type Cache struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	counter  uint64
	entries  map[uint32]*cacheEntry
}

// NewCache returns an empty Cache bounded to maxBytes total piece data.
func NewCache(maxBytes int) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		entries:  make(map[uint32]*cacheEntry),
	}
}

// Get returns the cached bytes for index, if present, bumping its access
// counter so it survives the next eviction pass.
func (c *Cache) Get(index uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[index]
	if !ok {
		return nil, false
	}

	c.counter++
	e.accessedAt = c.counter
	return e.data, true
}

// Add inserts or replaces the cached bytes for index, evicting the oldest
// entries if the cache now exceeds its byte budget.
func (c *Cache) Add(index uint32, data []byte) {
	if c.maxBytes <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.entries[index]; exists {
		c.curBytes -= len(old.data)
	}

	c.counter++
	c.entries[index] = &cacheEntry{data: data, accessedAt: c.counter}
	c.curBytes += len(data)

	c.evictLocked()
}

func (c *Cache) evictLocked() {
	if c.curBytes <= c.maxBytes {
		return
	}

	order := make([]uint32, 0, len(c.entries))
	for idx := range c.entries {
		order = append(order, idx)
	}

	sort.Slice(order, func(a, b int) bool {
		return c.entries[order[a]].accessedAt < c.entries[order[b]].accessedAt
	})

	toEvict := (len(order) + 3) / 4
	for i := 0; i < toEvict && c.curBytes > c.maxBytes; i++ {
		idx := order[i]
		c.curBytes -= len(c.entries[idx].data)
		delete(c.entries, idx)
	}
}
