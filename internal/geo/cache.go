package geo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheTTL bounds how long a resolved coordinate stays valid. City
// centroids move rarely; thirty days keeps the upstream load near zero.
const CacheTTL = 30 * 24 * time.Hour

// MemoryCache is the in-process cache used when no REDIS_URL is set.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	lat, lng float64
	expires  time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (float64, float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return 0, 0, false, nil
	}
	return e.lat, e.lng, true, nil
}

func (c *MemoryCache) Put(ctx context.Context, key string, lat, lng float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{lat: lat, lng: lng, expires: time.Now().Add(CacheTTL)}
	return nil
}

// RedisCache shares resolved coordinates across instances.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, float64, bool, error) {
	v, err := c.rdb.Get(ctx, "geo:"+key).Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	var lat, lng float64
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%f,%f", &lat, &lng); err != nil {
		return 0, 0, false, fmt.Errorf("geo cache: bad entry %q: %w", v, err)
	}
	return lat, lng, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, lat, lng float64) error {
	return c.rdb.Set(ctx, "geo:"+key, fmt.Sprintf("%f,%f", lat, lng), CacheTTL).Err()
}
