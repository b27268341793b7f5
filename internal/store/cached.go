package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/cache"
	"github.com/voyagen/pvrguide/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlSources    = 2 * time.Minute
	ttlSource     = 5 * time.Minute
	ttlChannels   = 1 * time.Minute
	ttlChannel    = 5 * time.Minute
	ttlGroups     = 5 * time.Minute
	ttlEPGSources = 2 * time.Minute
)

// CachedStore wraps a Store with a Redis caching layer.
// Read-heavy operations are served from cache when possible;
// write operations invalidate the relevant cache keys.
// Methods it does not override go straight to the wrapped store.
type CachedStore struct {
	Store
	cache *cache.Redis
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis) *CachedStore {
	return &CachedStore{Store: inner, cache: c}
}

// cached serves key from Redis or loads and stores it.
func cached[T any](ctx context.Context, c *cache.Redis, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, err := cache.Get[T](ctx, c, key); err == nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := cache.Set(ctx, c, key, v, ttl); err != nil {
		log.WithField("key", key).Warnf("cache set: %v", err)
	}
	return v, nil
}

// --- cached read operations ---

func (c *CachedStore) ListSources(ctx context.Context) ([]models.Source, error) {
	return cached(ctx, c.cache, "sources:all", ttlSources, func() ([]models.Source, error) {
		return c.Store.ListSources(ctx)
	})
}

func (c *CachedStore) GetSourceByID(ctx context.Context, sourceID int64) (*models.Source, error) {
	return cached(ctx, c.cache, fmt.Sprintf("source:%d", sourceID), ttlSource, func() (*models.Source, error) {
		return c.Store.GetSourceByID(ctx, sourceID)
	})
}

// channelListResult is a helper type to cache the ListChannels tuple.
type channelListResult struct {
	Channels []models.Channel `json:"channels"`
	Total    int              `json:"total"`
}

func (c *CachedStore) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error) {
	key := fmt.Sprintf("channels:%s", filterHash(filter))
	v, err := cached(ctx, c.cache, key, ttlChannels, func() (channelListResult, error) {
		channels, total, err := c.Store.ListChannels(ctx, filter)
		return channelListResult{Channels: channels, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return v.Channels, v.Total, nil
}

func (c *CachedStore) GetChannelByID(ctx context.Context, channelID int64) (*models.Channel, error) {
	return cached(ctx, c.cache, fmt.Sprintf("channel:%d", channelID), ttlChannel, func() (*models.Channel, error) {
		return c.Store.GetChannelByID(ctx, channelID)
	})
}

func (c *CachedStore) ListGroups(ctx context.Context, sourceID *int64) ([]models.Group, error) {
	sid := "all"
	if sourceID != nil {
		sid = fmt.Sprintf("%d", *sourceID)
	}
	return cached(ctx, c.cache, "groups:"+sid, ttlGroups, func() ([]models.Group, error) {
		return c.Store.ListGroups(ctx, sourceID)
	})
}

func (c *CachedStore) ListEPGSources(ctx context.Context, activeOnly bool) ([]models.EPGSource, error) {
	key := fmt.Sprintf("epgsources:%t", activeOnly)
	return cached(ctx, c.cache, key, ttlEPGSources, func() ([]models.EPGSource, error) {
		return c.Store.ListEPGSources(ctx, activeOnly)
	})
}

// --- write operations with cache invalidation ---

func (c *CachedStore) CreateOrGetSource(ctx context.Context, src *models.Source) (int64, error) {
	id, err := c.Store.CreateOrGetSource(ctx, src)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx, fmt.Sprintf("source:%d", id), "sources:all")
	return id, nil
}

func (c *CachedStore) UpdateSourceLastUpdated(ctx context.Context, sourceID int64, at time.Time) error {
	if err := c.Store.UpdateSourceLastUpdated(ctx, sourceID, at); err != nil {
		return err
	}
	c.invalidate(ctx, fmt.Sprintf("source:%d", sourceID), "sources:all")
	return nil
}

func (c *CachedStore) GetOrCreateGroup(ctx context.Context, sourceID int64, name string) (int64, error) {
	id, err := c.Store.GetOrCreateGroup(ctx, sourceID, name)
	if err != nil {
		return 0, err
	}
	c.invalidate(ctx, "groups:all", fmt.Sprintf("groups:%d", sourceID))
	return id, nil
}

func (c *CachedStore) SaveChannels(ctx context.Context, batch []ChannelWrite) ([]error, error) {
	errs, err := c.Store.SaveChannels(ctx, batch)
	// Part of the batch may be committed even when err is set.
	keys := make([]string, 0, len(batch))
	for _, w := range batch {
		if !w.Create {
			keys = append(keys, fmt.Sprintf("channel:%d", w.Channel.ID))
		}
	}
	c.invalidate(ctx, keys...)
	c.invalidatePattern(ctx, "channels:*")
	return errs, err
}

func (c *CachedStore) DeactivateChannels(ctx context.Context, channelIDs []int64) (int64, error) {
	n, err := c.Store.DeactivateChannels(ctx, channelIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, "channels:*", "channel:*")
	}
	return n, nil
}

func (c *CachedStore) UpdateChannelEPG(ctx context.Context, channelID int64, fields ChannelEPGUpdate) error {
	if err := c.Store.UpdateChannelEPG(ctx, channelID, fields); err != nil {
		return err
	}
	c.invalidate(ctx, fmt.Sprintf("channel:%d", channelID))
	c.invalidatePattern(ctx, "channels:*")
	return nil
}

func (c *CachedStore) CreateEPGSource(ctx context.Context, src *models.EPGSource) (int64, error) {
	id, err := c.Store.CreateEPGSource(ctx, src)
	if err != nil {
		return 0, err
	}
	c.invalidatePattern(ctx, "epgsources:*")
	return id, nil
}

func (c *CachedStore) UpdateEPGSourceStatus(ctx context.Context, id int64, st EPGSourceStatus) error {
	if err := c.Store.UpdateEPGSourceStatus(ctx, id, st); err != nil {
		return err
	}
	c.invalidatePattern(ctx, "epgsources:*")
	return nil
}

// --- helpers ---

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !errors.Is(err, redis.Nil) {
		log.WithField("keys", keys).Warnf("cache del: %v", err)
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			log.WithField("pattern", p).Warnf("cache del pattern: %v", err)
		}
	}
}

// filterHash produces a short deterministic hash for a ChannelFilter so it
// can be used as part of a cache key.
func filterHash(f ChannelFilter) string {
	var src, grp, act string
	if f.SourceID != nil {
		src = fmt.Sprint(*f.SourceID)
	}
	if f.GroupID != nil {
		grp = fmt.Sprint(*f.GroupID)
	}
	if f.Active != nil {
		act = fmt.Sprint(*f.Active)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%d", src, grp, act, f.Search, f.limit(), f.offset())
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h[:8])
}
