package listing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "agora:listing:item:"

// CachedCatalog fronts another Catalog with a Redis cache. Concurrent misses for
// the same item share one upstream call. Redis failures degrade to the upstream.
type CachedCatalog struct {
	next  Catalog
	rdb   redis.Cmdable
	ttl   time.Duration
	log   *slog.Logger
	group singleflight.Group
}

// NewCachedCatalog wraps next. A nil rdb disables the cache and keeps only
// request coalescing.
func NewCachedCatalog(next Catalog, rdb redis.Cmdable, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CachedCatalog{next: next, rdb: rdb, ttl: ttl, log: log}
}

// Lookup returns the cached item or fetches and caches it.
func (c *CachedCatalog) Lookup(ctx context.Context, itemID string) (Item, error) {
	if it, ok := c.get(ctx, itemID); ok {
		return it, nil
	}

	v, err, _ := c.group.Do(itemID, func() (interface{}, error) {
		it, err := c.next.Lookup(ctx, itemID)
		if err != nil {
			return Item{}, err
		}
		c.set(ctx, it, itemID)
		return it, nil
	})
	if err != nil {
		return Item{}, err
	}
	return v.(Item), nil
}

func (c *CachedCatalog) get(ctx context.Context, itemID string) (Item, bool) {
	if c.rdb == nil {
		return Item{}, false
	}
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+itemID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("listing.cache.get.fail", "item_id", itemID, "err", err)
		}
		return Item{}, false
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, false
	}
	return it, true
}

func (c *CachedCatalog) set(ctx context.Context, it Item, itemID string) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(it)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+itemID, raw, c.ttl).Err(); err != nil {
		c.log.Debug("listing.cache.set.fail", "item_id", itemID, "err", err)
	}
}
