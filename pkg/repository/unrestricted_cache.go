package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/observability"
)

// SentinelLastModified is used when the backend has no last-modified
// marker for the unrestricted record. Entries loaded under it still
// serve, but never become the fallback.
const SentinelLastModified = "0"

// DefaultUnrestrictedCacheTTL bounds how long a cached unrestricted
// record serves before the backend is consulted again.
const DefaultUnrestrictedCacheTTL = 10 * time.Second

// UnrestrictedCache is the single-entry cache fronting the unrestricted
// record on every read path. Entries are keyed by the record's
// last-modified marker; a fallback pointer survives backend outages.
type UnrestrictedCache struct {
	ttl          time.Duration
	lastModified func(ctx context.Context) (string, error)
	load         func(ctx context.Context) (*authz.UserPermission, error)

	group    singleflight.Group
	current  atomic.Pointer[cacheEntry]
	fallback atomic.Pointer[cacheEntry]

	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64

	log *logrus.Entry
	now func() time.Time
}

type cacheEntry struct {
	key        string
	permission *authz.UserPermission
	loadedAt   time.Time
}

// NewUnrestrictedCache builds a cache over the backend accessors.
// lastModified returns the record's current marker (empty when the
// backend has none); load reads the record itself.
func NewUnrestrictedCache(
	ttl time.Duration,
	lastModified func(ctx context.Context) (string, error),
	load func(ctx context.Context) (*authz.UserPermission, error),
) *UnrestrictedCache {
	if ttl <= 0 {
		ttl = DefaultUnrestrictedCacheTTL
	}
	return &UnrestrictedCache{
		ttl:          ttl,
		lastModified: lastModified,
		load:         load,
		log:          logrus.WithField("component", "unrestricted-cache"),
		now:          time.Now,
	}
}

// Get returns the unrestricted record, serving the cached entry while it
// is fresh and falling back to the last good entry when the backend is
// unreachable.
func (c *UnrestrictedCache) Get(ctx context.Context) (*authz.UserPermission, error) {
	key, err := c.lastModified(ctx)
	if err != nil {
		return c.serveFallback(err)
	}
	if key == "" {
		key = SentinelLastModified
	}

	if entry := c.current.Load(); entry != nil && entry.key == key && c.now().Sub(entry.loadedAt) <= c.ttl {
		c.hits.Add(1)
		observability.UnrestrictedCacheEvent("hit")
		return entry.permission, nil
	}

	c.misses.Add(1)
	observability.UnrestrictedCacheEvent("miss")
	loaded, err, _ := c.group.Do(key, func() (interface{}, error) {
		permission, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		entry := &cacheEntry{key: key, permission: permission, loadedAt: c.now()}
		c.current.Store(entry)
		if key != SentinelLastModified {
			c.fallback.Store(entry)
		}
		return permission, nil
	})
	if err != nil {
		return c.serveFallback(err)
	}
	return loaded.(*authz.UserPermission), nil
}

func (c *UnrestrictedCache) serveFallback(cause error) (*authz.UserPermission, error) {
	if entry := c.fallback.Load(); entry != nil {
		c.fallbacks.Add(1)
		observability.UnrestrictedCacheEvent("fallback")
		c.log.WithError(cause).WithField("last_modified", entry.key).
			Warn("serving fallback unrestricted permission")
		return entry.permission, nil
	}
	return nil, cause
}

// Invalidate drops the current entry so the next read hits the backend.
// Writers call this after updating the unrestricted record locally.
func (c *UnrestrictedCache) Invalidate() {
	c.current.Store(nil)
}

// Stats reports cumulative cache behavior. The prometheus counters are
// updated inline as events happen; this accessor backs tests and
// debugging.
func (c *UnrestrictedCache) Stats() (hits, misses, fallbacks uint64) {
	return c.hits.Load(), c.misses.Load(), c.fallbacks.Load()
}
