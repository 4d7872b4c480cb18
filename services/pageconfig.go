package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"donorpage/templates"
	"donorpage/utils"
)

// PageSource fetches page configurations by their slug pair.
type PageSource interface {
	LivePageDetail(ctx context.Context, rpSlug, pageSlug string) (templates.PageConfiguration, error)
}

// NewRedisCache connects to redis for page-configuration caching. An empty
// addr or a failed ping disables caching rather than failing startup.
func NewRedisCache(addr string) *redis.Client {
	if addr == "" {
		utils.Warn("pageconfig", "REDIS_ADDR not set, page cache disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		utils.Error("pageconfig", "Redis unreachable, page cache disabled", "addr", addr, "error", err)
		return nil
	}
	return rdb
}

// PageConfigLoader retrieves page configurations, serving from the redis
// cache when one is configured. The two fetches a donation involves (page
// view and interstitial) go through the same loader.
type PageConfigLoader struct {
	source PageSource
	cache  *redis.Client // nil means caching disabled
	ttl    time.Duration
}

// NewPageConfigLoader creates a loader over the given source.
func NewPageConfigLoader(source PageSource, cache *redis.Client, ttl time.Duration) *PageConfigLoader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PageConfigLoader{source: source, cache: cache, ttl: ttl}
}

// Load fetches the configuration for (revenue-program slug, page slug).
func (l *PageConfigLoader) Load(ctx context.Context, rpSlug, pageSlug string) (templates.PageConfiguration, error) {
	key := fmt.Sprintf("page:%s:%s", rpSlug, pageSlug)

	if l.cache != nil {
		if blob, err := l.cache.Get(ctx, key).Result(); err == nil {
			var pc templates.PageConfiguration
			if err := json.Unmarshal([]byte(blob), &pc); err == nil {
				utils.Debug("pageconfig", "Cache hit", "rp_slug", rpSlug, "page_slug", pageSlug)
				return pc, nil
			}
			// A corrupt entry falls through to the source.
			l.cache.Del(ctx, key)
		}
	}

	pc, err := l.source.LivePageDetail(ctx, rpSlug, pageSlug)
	if err != nil {
		return templates.PageConfiguration{}, fmt.Errorf("fetching page %s/%s: %w", rpSlug, pageSlug, err)
	}

	if l.cache != nil {
		if blob, err := json.Marshal(pc); err == nil {
			if err := l.cache.Set(ctx, key, blob, l.ttl).Err(); err != nil {
				utils.Warn("pageconfig", "Cache write failed", "key", key, "error", err)
			}
		}
	}

	return pc, nil
}

// ParseEmbedded reads a page configuration embedded in the initial document,
// the fast path that avoids a network fetch on first render.
func ParseEmbedded(data []byte) (templates.PageConfiguration, error) {
	var pc templates.PageConfiguration
	if err := json.Unmarshal(data, &pc); err != nil {
		return templates.PageConfiguration{}, fmt.Errorf("invalid embedded page configuration: %w", err)
	}
	return pc, nil
}
