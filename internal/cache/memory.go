package cache

import (
	"bytes"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache keeps encoded vectors in process memory until they expire.
// Stored and returned slices are copies, so callers may reuse their buffers.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache returns a memory layer whose entries live for ttl and are
// swept every sweep interval. A zero ttl keeps entries until Clear.
func NewMemoryCache(ttl, sweep time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryCache{items: gocache.New(ttl, sweep)}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	val, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	raw, ok := val.([]byte)
	if !ok {
		c.items.Delete(key)
		return nil, false
	}
	return bytes.Clone(raw), true
}

// Set stores value under key. A zero ttl applies the layer's lifetime.
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.items.Set(key, bytes.Clone(value), ttl)
	return nil
}

func (c *MemoryCache) Delete(key string) error {
	c.items.Delete(key)
	return nil
}

func (c *MemoryCache) Clear() error {
	c.items.Flush()
	return nil
}

// Len counts entries, including expired ones the sweeper has not reached
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}
