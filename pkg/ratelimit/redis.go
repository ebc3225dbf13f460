package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dispatch:ratelimit:"

// slidingWindowScript атомарно чистит окно, проверяет лимит и
// регистрирует n запросов одним вызовом
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now_ms = tonumber(ARGV[3])
	local n = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

	local used = redis.call('ZCARD', key)
	if used + n > limit then
		return 0
	end

	for i = 1, n do
		redis.call('ZADD', key, now_ms, now_ms .. '-' .. i)
	end
	redis.call('PEXPIRE', key, window_ms)
	return 1
`)

// RedisLimiter - распределённый лимитер поверх Redis sorted set
// (скользящее окно). Стратегии fixed_window/token_bucket поддерживает
// только in-memory бэкенд.
type RedisLimiter struct {
	client *redis.Client
	cfg    *Config
}

// NewRedisLimiter создаёт Redis rate limiter
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisLimiter{client: client, cfg: cfg}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}

	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + key},
		l.cfg.Requests,
		l.cfg.Window.Milliseconds(),
		time.Now().UnixMilli(),
		n,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	return result == 1, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (l *RedisLimiter) GetInfo(ctx context.Context, key string) (*LimitInfo, error) {
	redisKey := redisKeyPrefix + key
	now := time.Now()

	pipe := l.client.Pipeline()
	cardCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	used := int(cardCmd.Val())
	remaining := l.cfg.Requests - used
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(l.cfg.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(l.cfg.Window)
	}

	info := &LimitInfo{
		Limit:     l.cfg.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if remaining == 0 {
		info.RetryAfter = time.Until(resetAt)
	}

	return info, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
