package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Two-phase caching pairs a local LRU with Redis: reads
// check local first, writes go to both.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Backs the velocity features.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter reads a windowed counter without incrementing it.
	// Returns 0 for a missing or expired counter.
	GetCounter(ctx context.Context, key string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
