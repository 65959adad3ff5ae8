package domain

import (
	"context"
	"time"
)

// Cache stores serialized account facts between evaluations. Keys are
// scoped by tenant; an empty tenantID is rejected.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the fact cache.
type CacheConfig struct {
	Type string `json:"type"` // memory, redis or none

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// RedisAddr may list several comma-separated cluster nodes.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// EnableTwoPhase fronts Redis with the local LRU.
	EnableTwoPhase bool `json:"enableTwoPhase"`

	FactTTL time.Duration `json:"factTtl"`
}
