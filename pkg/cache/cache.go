// Package cache implements the driver-set cache: a key→value store with
// per-entry TTL and lazy expiration, selectable between an in-process
// backend and Redis. The adaptive layer (adaptive.go) composes a Cache
// and tunes per-key TTLs from access telemetry.
package cache

import (
	"context"
	"errors"
	"time"

	"dispatch/pkg/config"
)

// Backend types for cache implementations.
const (
	// BackendMemory specifies the in-process cache backend.
	BackendMemory = "memory"
	// BackendRedis specifies a Redis cache backend.
	BackendRedis = "redis"
)

// Standard errors returned by cache operations.
var (
	// ErrKeyNotFound is returned when a key is absent or its TTL has lapsed.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCacheClosed is returned when an operation is attempted on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")
)

// Cache is the store every dispatch-side consumer talks to. Expiration
// is lazy: an entry older than its TTL reads as absent and is dropped on
// that read. There is no eviction beyond TTL.
type Cache interface {
	// Get returns the value for key, or ErrKeyNotFound when the key is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with the given TTL. ttl <= 0 falls back
	// to the backend's default TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a single key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// InvalidateContaining removes every key whose name contains substr
	// and returns how many were dropped.
	InvalidateContaining(ctx context.Context, substr string) (int64, error)
	// Stats returns hit/miss/size counters for the status surface.
	Stats(ctx context.Context) (*Stats, error)
	// Clear removes all keys; the emergency-cleanup path calls this.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Stats is the read-only counter snapshot a backend publishes.
type Stats struct {
	TotalKeys int64   // Live (unexpired) keys currently stored.
	Hits      int64   // Reads that found a live entry.
	Misses    int64   // Reads that found nothing, or an expired entry.
	Expired   int64   // Entries dropped lazily on read.
	HitRate   float64 // Hits / (Hits + Misses).
	Backend   string  // "memory" or "redis".
}

// Options содержит параметры создания кэша
type Options struct {
	Backend    string
	DefaultTTL time.Duration // применяется, когда Set вызван с ttl <= 0

	// Redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// DefaultOptions returns an in-memory cache with a 5 minute default TTL,
// matching the cacheBaseMinutes default.
func DefaultOptions() *Options {
	return &Options{
		Backend:       BackendMemory,
		DefaultTTL:    5 * time.Minute,
		RedisAddr:     "localhost:6379",
		RedisDB:       0,
		RedisPoolSize: 10,
	}
}

// FromConfig создаёт опции из конфигурации
func FromConfig(cfg *config.CacheConfig) *Options {
	return &Options{
		Backend:       cfg.Driver,
		DefaultTTL:    cfg.DefaultTTL,
		RedisAddr:     cfg.Address(),
		RedisPassword: cfg.Password,
		RedisDB:       cfg.DB,
		RedisPoolSize: 10,
	}
}

// New создаёт кэш на основе опций
func New(opts *Options) (Cache, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	switch opts.Backend {
	case BackendRedis:
		return NewRedisCache(opts)
	case BackendMemory, "":
		return NewMemoryCache(opts), nil
	default:
		return NewMemoryCache(opts), nil
	}
}

// MustNew создаёт кэш или паникует
func MustNew(opts *Options) Cache {
	c, err := New(opts)
	if err != nil {
		panic(err)
	}
	return c
}
