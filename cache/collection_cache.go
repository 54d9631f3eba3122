// Package cache keeps the in-process state of the store: materialized
// collection snapshots and the session and challenge tables.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/internal/metrics"
)

// Snapshot is a decoded collection at one remote revision. Docs is shared
// between readers and must not be mutated; clone before editing.
type Snapshot struct {
	Collection string
	Path       string
	Docs       []domain.Document
	// Revision is empty when the backing file does not exist yet.
	Revision  string
	FetchedAt time.Time
}

// Exists reports whether the collection file exists remotely.
func (s *Snapshot) Exists() bool { return s.Revision != "" }

// Index returns the position of the document with id, or -1.
func (s *Snapshot) Index(id string) int {
	for i, d := range s.Docs {
		if d.HasID(id) {
			return i
		}
	}
	return -1
}

// Loader fetches and decodes a collection from the remote store.
type Loader func(ctx context.Context, collection string) (*Snapshot, error)

// CollectionCache is a read-through cache of collection snapshots with a
// soft TTL. Concurrent misses for one collection share a single fetch.
type CollectionCache struct {
	items *ttlcache.Cache[string, *Snapshot]
	group singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
}

// NewCollectionCache creates a cache whose snapshots go stale after ttl.
// A zero ttl keeps snapshots until invalidated.
func NewCollectionCache(ttl time.Duration) *CollectionCache {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	return &CollectionCache{
		items: ttlcache.New(
			ttlcache.WithTTL[string, *Snapshot](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Snapshot](),
		),
		generations: make(map[string]uint64),
	}
}

// Get returns a fresh snapshot, loading it on a miss.
func (c *CollectionCache) Get(ctx context.Context, collection string, load Loader) (*Snapshot, error) {
	if item := c.items.Get(collection); item != nil {
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(collection, func() (any, error) {
		gen := c.generation(collection)
		snap, err := load(ctx, collection)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A write or invalidation that landed during the fetch wins.
		if c.generations[collection] == gen {
			c.items.Set(collection, snap, ttlcache.DefaultTTL)
		}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Put replaces the cached snapshot, typically with the result of a
// successful write so later reads observe it.
func (c *CollectionCache) Put(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[snap.Collection]++
	c.items.Set(snap.Collection, snap, ttlcache.DefaultTTL)
}

// Peek returns the cached snapshot without loading or counting a lookup.
func (c *CollectionCache) Peek(collection string) (*Snapshot, bool) {
	item := c.items.Get(collection)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Invalidate marks a collection stale; the next Get refetches it.
func (c *CollectionCache) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[collection]++
	c.items.Delete(collection)
	log.Debug().Str("collection", collection).Msg("collection cache invalidated")
}

// InvalidateAll drops every snapshot.
func (c *CollectionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.items.Keys() {
		c.generations[key]++
	}
	c.items.DeleteAll()
}

// Len returns the number of cached collections.
func (c *CollectionCache) Len() int { return c.items.Len() }

func (c *CollectionCache) generation(collection string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[collection]
}
