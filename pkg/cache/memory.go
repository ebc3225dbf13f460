package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache - процессный кэш с ленивой проверкой TTL: просроченная
// запись удаляется при первом чтении, фонового сборщика нет.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	defaultTTL time.Duration

	// Статистика
	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64

	closed atomic.Bool
}

// entry держит значение вместе с моментом записи; валидность
// определяется как now - storedAt <= ttl.
type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expiredAt(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.storedAt) > e.ttl
}

// NewMemoryCache создаёт новый in-memory кэш
func NewMemoryCache(opts *Options) *MemoryCache {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MemoryCache{
		entries:    make(map[string]*entry),
		defaultTTL: opts.DefaultTTL,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	if e.expiredAt(now) {
		c.mu.Lock()
		// Перепроверяем под write-lock: ключ могли перезаписать
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
			c.expired.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	c.hits.Add(1)

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	c.mu.Lock()
	c.entries[key] = &entry{value: valueCopy, storedAt: time.Now(), ttl: ttl}
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) InvalidateContaining(_ context.Context, substr string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var count int64
	for key := range c.entries {
		if strings.Contains(key, substr) {
			delete(c.entries, key)
			count++
		}
	}
	return count, nil
}

func (c *MemoryCache) Stats(_ context.Context) (*Stats, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
		Backend: BackendMemory,
	}

	// Считаем только живые записи; просроченные лежат до следующего
	// чтения, но в снимок не входят
	for _, e := range c.entries {
		if !e.expiredAt(now) {
			stats.TotalKeys++
		}
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	return stats, nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil // Уже закрыт
	}

	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()

	return nil
}
