package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/systemshift/oplog/internal/dag"
)

// DefaultCacheSize is the number of records kept by NewCached when size <= 0.
const DefaultCacheSize = 4096

type cacheKey struct {
	kind Kind
	id   dag.ID
}

// Cached wraps a Backend with an LRU cache of verified record bytes. Records
// are immutable, so entries never need invalidation. The head pointer is
// never cached.
type Cached struct {
	Backend
	cache *lru.Cache[cacheKey, []byte]
}

// NewCached returns b fronted by an LRU of size entries.
func NewCached(b Backend, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create object cache: %w", err)
	}
	return &Cached{Backend: b, cache: c}, nil
}

// Put stores data and caches it.
func (c *Cached) Put(ctx context.Context, kind Kind, data []byte) (dag.ID, error) {
	id, err := c.Backend.Put(ctx, kind, data)
	if err != nil {
		return id, err
	}
	c.cache.Add(cacheKey{kind, id}, data)
	return id, nil
}

// Get serves from the cache when possible.
func (c *Cached) Get(ctx context.Context, kind Kind, id dag.ID) ([]byte, error) {
	key := cacheKey{kind, id}
	if data, ok := c.cache.Get(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return data, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	data, err := c.Backend.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, data)
	return data, nil
}

// Has answers from the cache when possible.
func (c *Cached) Has(ctx context.Context, kind Kind, id dag.ID) (bool, error) {
	if c.cache.Contains(cacheKey{kind, id}) {
		return true, nil
	}
	return c.Backend.Has(ctx, kind, id)
}

// Len returns the number of cached records.
func (c *Cached) Len() int {
	return c.cache.Len()
}
