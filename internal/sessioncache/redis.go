package sessioncache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces relay keys in a shared Redis instance, matching the
// teacher's "claude:"/"sticky_session:" style prefixing convention.
const keyPrefix = "relaypool:sticky:"

// RedisCache is the optional distributed backend, used when REDIS_ADDR is
// configured so the sticky-session mapping survives a process restart.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache dials addr. The connection is lazy; Get/Set surface errors
// per-call rather than failing at construction.
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
			MinIdleConns: 5,
		}),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, keyPrefix+key).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

var _ Cache = (*RedisCache)(nil)
