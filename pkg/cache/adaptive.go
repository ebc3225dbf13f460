// Package cache: this file adds an access-pattern-driven adaptive layer
// on top of the base Cache (C2). AdaptiveCache never reimplements storage
// or expiration — it composes a base Cache and layers per-key telemetry
// used to compute an "optimal" TTL for the next write.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	accessLogCap     = 200
	accessLogTrimTo  = 100
	adaptiveMinTTL   = 1 * time.Minute
	adaptiveMaxTTL   = 120 * time.Minute
)

// keyTelemetry tracks recent access instants and the hit/total counters
// used by optimalTTL to pick a per-key multiplier.
type keyTelemetry struct {
	mu      sync.Mutex
	access  []time.Time
	hits    int64
	total   int64
}

func (t *keyTelemetry) recordAccess(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = append(t.access, now)
	if len(t.access) > accessLogCap {
		t.access = append([]time.Time{}, t.access[len(t.access)-accessLogTrimTo:]...)
	}
}

func (t *keyTelemetry) recordOutcome(hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if hit {
		t.hits++
	}
}

func (t *keyTelemetry) snapshot(now time.Time) (recentAccesses int, hitRate float64, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-60 * time.Minute)
	for _, at := range t.access {
		if at.After(cutoff) {
			recentAccesses++
		}
	}
	total = t.total
	if total > 0 {
		hitRate = float64(t.hits) / float64(total)
	}
	return
}

// AdaptiveCache is the C3 component: it wraps a base Cache (C2) and, on
// every getOrLoad, decides a per-key TTL from recent access frequency and
// hit rate rather than a fixed duration.
type AdaptiveCache struct {
	base Cache

	mu         sync.Mutex
	telemetry  map[string]*keyTelemetry
	nowFn      func() time.Time
}

// NewAdaptiveCache wraps base (a memory or Redis Cache) with adaptive TTL
// telemetry. base must not be nil.
func NewAdaptiveCache(base Cache) *AdaptiveCache {
	return &AdaptiveCache{
		base:      base,
		telemetry: make(map[string]*keyTelemetry),
		nowFn:     time.Now,
	}
}

func (a *AdaptiveCache) telemetryFor(key string) *keyTelemetry {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.telemetry[key]
	if !ok {
		t = &keyTelemetry{}
		a.telemetry[key] = t
	}
	return t
}

// Loader produces a fresh value for a cache miss.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad records the access, attempts a base-cache hit, and on miss
// invokes loader and stores the result under a TTL computed by optimalTTL.
// The returned value is whatever the base cache yields: on a hit it is the
// JSON-decoded previous value; on a miss it is the value loader produced.
func (a *AdaptiveCache) GetOrLoad(ctx context.Context, key string, loader Loader, baseMinutes int, out any) (fromCache bool, err error) {
	now := a.nowFn()
	tel := a.telemetryFor(key)
	tel.recordAccess(now)

	raw, getErr := a.base.Get(ctx, key)
	if getErr == nil {
		tel.recordOutcome(true)
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
		return true, nil
	}
	tel.recordOutcome(false)

	val, err := loader(ctx)
	if err != nil {
		return false, err
	}

	ttl := a.OptimalTTL(key, baseMinutes)
	encoded, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	if err := a.base.Set(ctx, key, encoded, ttl); err != nil {
		return false, err
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return false, err
	}
	return false, nil
}

// OptimalTTL computes the adaptive TTL in minutes for key given its recent
// access telemetry, clamped to [1, 120] minutes. With fewer than 5 accesses
// in the tracked window it returns baseMinutes unmodified.
func (a *AdaptiveCache) OptimalTTL(key string, baseMinutes int) time.Duration {
	tel := a.telemetryFor(key)
	now := a.nowFn()
	recent, hitRate, total := tel.snapshot(now)

	if recent < 5 {
		return time.Duration(baseMinutes) * time.Minute
	}

	multiplier := 1.0
	switch {
	case recent > 50:
		multiplier = 3.0
	case recent > 20:
		multiplier = 2.0
	case recent < 5:
		multiplier = 0.5
	}

	if total > 10 {
		if hitRate > 0.9 {
			multiplier *= 1.2
		} else if hitRate < 0.3 {
			multiplier *= 0.8
		}
	}

	minutes := int(float64(baseMinutes) * multiplier)
	clamped := clampMinutes(minutes, 1, 120)
	return time.Duration(clamped) * time.Minute
}

func clampMinutes(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Invalidate removes every key containing substr from the base cache.
// The substring is unanchored: operators invalidate by vendor or zone
// fragments that are never a full key.
func (a *AdaptiveCache) Invalidate(ctx context.Context, substr string) (int64, error) {
	return a.base.InvalidateContaining(ctx, substr)
}

// PreloadSpec is one (key, loader, baseMinutes) entry for Preload.
type PreloadSpec struct {
	Key         string
	Loader      Loader
	BaseMinutes int
}

// Preload runs GetOrLoad concurrently for every spec. Individual failures
// are isolated: they are returned in the errs map keyed by PreloadSpec.Key
// but never abort the other preloads.
func (a *AdaptiveCache) Preload(ctx context.Context, specs []PreloadSpec) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec PreloadSpec) {
			defer wg.Done()
			var discard any
			if _, err := a.GetOrLoad(ctx, spec.Key, spec.Loader, spec.BaseMinutes, &discard); err != nil {
				mu.Lock()
				errs[spec.Key] = err
				mu.Unlock()
			}
		}(spec)
	}
	wg.Wait()
	return errs
}
