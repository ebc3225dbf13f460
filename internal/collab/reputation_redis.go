package collab

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/pkg/logger"
)

// blacklistSetKey is the Redis set the platform's security tooling
// maintains; this module only reads membership.
const blacklistSetKey = "dispatch:ip_blacklist"

// RedisIPReputation keeps the local suspicious set in-process (it is
// populated by this instance's own observations) while the shared
// external blacklist lives in a Redis set. Lookups fail open: a Redis
// error reads as not-blacklisted so a reputation outage cannot stall
// the dispatch path.
type RedisIPReputation struct {
	client *redis.Client

	mu         sync.RWMutex
	suspicious map[string]bool
}

// NewRedisIPReputation builds a reputation source over an existing
// Redis client.
func NewRedisIPReputation(client *redis.Client) *RedisIPReputation {
	return &RedisIPReputation{client: client, suspicious: make(map[string]bool)}
}

// MarkSuspicious adds ip to this instance's local suspicious set.
func (r *RedisIPReputation) MarkSuspicious(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspicious[ip] = true
}

// IsSuspiciousLocal reports local-set membership.
func (r *RedisIPReputation) IsSuspiciousLocal(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suspicious[ip]
}

// IsBlacklisted checks the shared blacklist set.
func (r *RedisIPReputation) IsBlacklisted(ip string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	member, err := r.client.SIsMember(ctx, blacklistSetKey, ip).Result()
	if err != nil {
		logger.Log.Warn("ip blacklist lookup failed", "ip", ip, "error", err)
		return false
	}
	return member
}
