package virtualization

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ghyeongl/lazytree/placeholders"
)

// ProjectionCache keeps recently read placeholder entries so repeated opens
// and enumerations of the same path skip the database. Keys are the
// case-folded placeholder keys.
type ProjectionCache struct {
	items *ttlcache.Cache[string, placeholders.Entry]
}

// NewProjectionCache returns a cache whose entries expire after ttl. A zero
// capacity is unbounded.
func NewProjectionCache(ttl time.Duration, capacity uint64) *ProjectionCache {
	opts := []ttlcache.Option[string, placeholders.Entry]{
		ttlcache.WithTTL[string, placeholders.Entry](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, placeholders.Entry](capacity))
	}
	return &ProjectionCache{items: ttlcache.New(opts...)}
}

// Get returns the cached entry for path.
func (c *ProjectionCache) Get(path string) (placeholders.Entry, bool) {
	if c == nil {
		return placeholders.Entry{}, false
	}
	item := c.items.Get(placeholders.Key(path))
	if item == nil {
		return placeholders.Entry{}, false
	}
	return item.Value(), true
}

// Set stores e under its path.
func (c *ProjectionCache) Set(e placeholders.Entry) {
	if c == nil {
		return
	}
	c.items.Set(placeholders.Key(e.Path), e, ttlcache.DefaultTTL)
}

// Invalidate removes the cached entry for path.
func (c *ProjectionCache) Invalidate(path string) {
	if c == nil {
		return
	}
	c.items.Delete(placeholders.Key(path))
}

// InvalidateTree removes path and everything cached below it.
func (c *ProjectionCache) InvalidateTree(path string) {
	if c == nil {
		return
	}
	key := placeholders.Key(path)
	if key == "" {
		c.Clear()
		return
	}
	prefix := key + string(filepath.Separator)
	for _, k := range c.items.Keys() {
		if k == key || strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
		}
	}
}

// Clear removes all cached entries.
func (c *ProjectionCache) Clear() {
	if c == nil {
		return
	}
	c.items.DeleteAll()
}

// Len returns the number of cached entries.
func (c *ProjectionCache) Len() int {
	if c == nil {
		return 0
	}
	return c.items.Len()
}

// Start runs the expiry loop until Stop is called.
func (c *ProjectionCache) Start() {
	c.items.Start()
}

func (c *ProjectionCache) Stop() {
	c.items.Stop()
}
