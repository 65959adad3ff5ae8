package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/talon/internal/domain"
)

const keyPrefix = "talon:"

// RedisCache implements domain.Cache on Redis. A comma-separated address
// list connects to a cluster.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg domain.CacheConfig) (*RedisCache, error) {
	addrs := splitAddrs(cfg.RedisAddr)
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", strings.Join(addrs, ","), err)
	}

	return newRedisCache(client), nil
}

func newRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get reads a fact. A miss returns nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set writes a fact. A non-positive TTL keeps the key without expiry.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errTenantRequired
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, max(ttl, 0)).Err()
}

// Delete drops a fact.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errTenantRequired
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Keys are hash-tagged on the tenant so a tenant's facts share a cluster slot.
func redisKey(tenantID, key string) string {
	return keyPrefix + "{" + tenantID + "}:" + key
}
