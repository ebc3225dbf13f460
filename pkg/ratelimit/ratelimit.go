// Package ratelimit bounds request rates per key, with a threat-aware
// layer on top: subjects the threat meter has suspended are denied
// outright, and HIGH_THREAT subjects consume several tokens per request
// so their effective budget shrinks without a separate code path.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Стандартные ошибки
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter интерфейс ограничителя запросов
type Limiter interface {
	// Allow проверяет, разрешён ли один запрос
	Allow(ctx context.Context, key string) (bool, error)

	// AllowN проверяет, разрешены ли n запросов
	AllowN(ctx context.Context, key string, n int) (bool, error)

	// Reset сбрасывает лимит для ключа
	Reset(ctx context.Context, key string) error

	// GetInfo возвращает информацию о текущем состоянии
	GetInfo(ctx context.Context, key string) (*LimitInfo, error)

	// Close закрывает лимитер
	Close() error
}

// LimitInfo информация о состоянии лимита
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config конфигурация rate limiter
type Config struct {
	// Requests количество запросов в окне
	Requests int `koanf:"requests"`

	// Window временное окно
	Window time.Duration `koanf:"window"`

	// Strategy стратегия (sliding_window, fixed_window, token_bucket)
	Strategy string `koanf:"strategy"`

	// Backend хранилище (memory, redis)
	Backend string `koanf:"backend"`

	// BurstSize размер burst для token bucket
	BurstSize int `koanf:"burst_size"`

	// CleanupInterval интервал очистки простаивающих ключей (in-memory)
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// Redis настройки Redis
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Strategy:        "sliding_window",
		Backend:         "memory",
		BurstSize:       20,
		CleanupInterval: time.Minute,
	}
}

// New создаёт лимитер на основе конфигурации
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisLimiter(cfg)
	case "memory", "":
		return NewMemoryLimiter(cfg), nil
	default:
		return NewMemoryLimiter(cfg), nil
	}
}

// ThreatChecker is the threat meter's view the limiter consults; the
// concrete implementation lives in internal/threat.
type ThreatChecker interface {
	IsSuspended(subject string) bool
	IsHighThreat(subject string) bool
}

// SubjectFn maps a limiter key to the threat subject it concerns. The
// default takes the key as-is.
type SubjectFn func(key string) string

// ThreatAware wraps a Limiter with threat-meter reactions. A suspended
// subject is always denied; a HIGH_THREAT subject pays penaltyCost
// tokens per request, shrinking its effective budget by that factor.
type ThreatAware struct {
	base        Limiter
	checker     ThreatChecker
	subjectFn   SubjectFn
	penaltyCost int
}

// NewThreatAware builds the wrapper. penaltyCost <= 1 disables the
// high-threat penalty; a nil subjectFn uses the key verbatim.
func NewThreatAware(base Limiter, checker ThreatChecker, penaltyCost int, subjectFn SubjectFn) *ThreatAware {
	if subjectFn == nil {
		subjectFn = func(key string) string { return key }
	}
	if penaltyCost < 1 {
		penaltyCost = 1
	}
	return &ThreatAware{base: base, checker: checker, subjectFn: subjectFn, penaltyCost: penaltyCost}
}

// Allow applies the threat policy before delegating to the base limiter.
func (t *ThreatAware) Allow(ctx context.Context, key string) (bool, error) {
	return t.AllowN(ctx, key, 1)
}

// AllowN applies the threat policy, multiplying n by the penalty cost
// for HIGH_THREAT subjects.
func (t *ThreatAware) AllowN(ctx context.Context, key string, n int) (bool, error) {
	if t.checker != nil {
		subject := t.subjectFn(key)
		if t.checker.IsSuspended(subject) {
			return false, nil
		}
		if t.checker.IsHighThreat(subject) {
			n *= t.penaltyCost
		}
	}
	return t.base.AllowN(ctx, key, n)
}

// Reset delegates to the base limiter.
func (t *ThreatAware) Reset(ctx context.Context, key string) error {
	return t.base.Reset(ctx, key)
}

// GetInfo delegates to the base limiter.
func (t *ThreatAware) GetInfo(ctx context.Context, key string) (*LimitInfo, error) {
	return t.base.GetInfo(ctx, key)
}

// Close delegates to the base limiter.
func (t *ThreatAware) Close() error {
	return t.base.Close()
}
