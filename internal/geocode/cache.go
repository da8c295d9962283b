package geocode

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"site-proximity/internal/models"
)

type cacheKey struct {
	name string
	zoom int
}

// Cache remembers found places. Misses and errors are never cached, so a
// transient failure is retried by the next caller.
type Cache struct {
	next Geocoder
	mu   sync.Mutex
	lru  *lru.Cache
}

func Cached(next Geocoder, size int) *Cache {
	if size <= 0 {
		size = 1024
	}
	return &Cache{next: next, lru: lru.New(size)}
}

func (c *Cache) Geocode(ctx context.Context, name string, zoom int) (models.Place, error) {
	key := cacheKey{name: strings.ToLower(strings.TrimSpace(name)), zoom: zoom}

	c.mu.Lock()
	v, ok := c.lru.Get(key)
	c.mu.Unlock()
	if ok {
		return v.(models.Place), nil
	}

	p, err := c.next.Geocode(ctx, name, zoom)
	if err != nil {
		return p, err
	}
	c.mu.Lock()
	c.lru.Add(key, p)
	c.mu.Unlock()
	return p, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
