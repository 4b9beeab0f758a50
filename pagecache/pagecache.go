// Package pagecache provides a small, write-through cache of whole clusters
// keyed by absolute cluster index, adapted from the dense block-index cache
// in drivers/common/blockcache for the VMC directory engine's sparse,
// scattered cluster access pattern (SPEC_FULL.md §4.4).
package pagecache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
)

// FetchFunc loads the contents of the cluster identified by key into buf.
// buf is guaranteed to be exactly one cluster long.
type FetchFunc func(key int64, buf []byte) error

// FlushFunc writes buf, exactly one cluster long, to the cluster identified
// by key.
type FlushFunc func(key int64, buf []byte) error

// Cache is a fixed-capacity, write-through cache of cluster-sized buffers
// keyed by absolute cluster index rather than a dense block range, since
// directory clusters are scattered across the image. Writes are flushed
// immediately: spec §4.4 guarantees no caching layer sits between the
// directory engine and the backend beyond avoiding repeat fetches of the
// same cluster.
type Cache struct {
	fetch      FetchFunc
	flush      FlushFunc
	clusterLen int
	capacity   int
	keys       []int64
	loaded     bitmap.Bitmap
	data       []byte
	clock      int
}

// New builds a cache holding up to capacity clusters of clusterLen bytes
// each.
func New(capacity int, clusterLen int, fetch FetchFunc, flush FlushFunc) *Cache {
	return &Cache{
		fetch:      fetch,
		flush:      flush,
		clusterLen: clusterLen,
		capacity:   capacity,
		keys:       make([]int64, capacity),
		loaded:     bitmap.NewSlice(capacity),
		data:       make([]byte, capacity*clusterLen),
	}
}

func (c *Cache) slice(slot int) []byte {
	start := slot * c.clusterLen
	return c.data[start : start+c.clusterLen]
}

// find returns the slot currently holding key, or -1.
func (c *Cache) find(key int64) int {
	for slot := 0; slot < c.capacity; slot++ {
		if c.loaded.Get(slot) && c.keys[slot] == key {
			return slot
		}
	}
	return -1
}

// acquire returns the slot that should hold key, fetching it from storage
// if it is not already resident. Eviction is a simple round-robin clock
// sweep; the evicted slot's old contents are never written back, since
// every Write flushes immediately and there is nothing dirty to lose.
func (c *Cache) acquire(key int64) (int, error) {
	if slot := c.find(key); slot >= 0 {
		return slot, nil
	}

	slot := c.clock
	c.clock = (c.clock + 1) % c.capacity

	buf := c.slice(slot)
	if err := c.fetch(key, buf); err != nil {
		return 0, fmt.Errorf("pagecache: failed to load cluster %d: %w", key, err)
	}
	c.keys[slot] = key
	c.loaded.Set(slot, true)
	return slot, nil
}

// Read fills buf (exactly one clusterLen long) with the current contents of
// the cluster identified by key.
func (c *Cache) Read(key int64, buf []byte) error {
	if len(buf) != c.clusterLen {
		return fmt.Errorf("pagecache: buffer length %d does not match cluster length %d", len(buf), c.clusterLen)
	}
	slot, err := c.acquire(key)
	if err != nil {
		return err
	}
	copy(buf, c.slice(slot))
	return nil
}

// Write stores buf (exactly one clusterLen long) as the cluster identified
// by key, updates the cache, and flushes it to storage immediately.
func (c *Cache) Write(key int64, buf []byte) error {
	if len(buf) != c.clusterLen {
		return fmt.Errorf("pagecache: buffer length %d does not match cluster length %d", len(buf), c.clusterLen)
	}

	slot := c.find(key)
	if slot < 0 {
		slot = c.clock
		c.clock = (c.clock + 1) % c.capacity
		c.keys[slot] = key
		c.loaded.Set(slot, true)
	}
	copy(c.slice(slot), buf)

	if err := c.flush(key, c.slice(slot)); err != nil {
		return fmt.Errorf("pagecache: failed to flush cluster %d: %w", key, err)
	}
	return nil
}

// Invalidate evicts key from the cache without flushing it, for callers
// that know the underlying cluster has been freed or reallocated out from
// under them.
func (c *Cache) Invalidate(key int64) {
	if slot := c.find(key); slot >= 0 {
		c.loaded.Set(slot, false)
	}
}
