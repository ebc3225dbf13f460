// Package breaker implements the C7 circuit breaker: a failure-counted
// state machine keyed by (operation, id), with a retry-with-backoff
// wrapper around each protected call. The state machine itself is
// delegated to github.com/sony/gobreaker; this package layers the spec's
// reset-at bookkeeping, error-fingerprint log, and retry/backoff policy
// on top via gobreaker's OnStateChange hook.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"dispatch/internal/perfmeter"
	"dispatch/pkg/apperror"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
)

const (
	errorLogCap    = 50
	errorLogTrimTo = 25
	maxStackChars  = 500
)

// Config mirrors spec §4.7's defaults.
type Config struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Retries      int
	BaseDelay    time.Duration
}

// DefaultConfig returns maxFailures=5, resetTimeout=30s, retries=3,
// baseDelay=1s.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, Retries: 3, BaseDelay: 1 * time.Second}
}

// errorFingerprint is one entry in a key's bounded error-pattern log.
type errorFingerprint struct {
	Message string
	At      time.Time
	Stack   string
}

type keyEntry struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.Mutex
	resetAt  time.Time
	errorLog []errorFingerprint
}

func (e *keyEntry) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorLog = append(e.errorLog, errorFingerprint{
		Message: truncate(err.Error(), maxStackChars),
		At:      time.Now(),
	})
	if len(e.errorLog) > errorLogCap {
		e.errorLog = append([]errorFingerprint{}, e.errorLog[len(e.errorLog)-errorLogTrimTo:]...)
	}
}

// Manager owns one gobreaker.CircuitBreaker per (op,id) key and wraps
// calls through the C6 performance meter.
type Manager struct {
	meter *perfmeter.Meter

	mu       sync.Mutex
	breakers map[string]*keyEntry
}

// NewManager builds a Manager; meter may be nil to skip performance
// measurement (tests only — production always wires a Meter).
func NewManager(meter *perfmeter.Meter) *Manager {
	return &Manager{meter: meter, breakers: make(map[string]*keyEntry)}
}

func keyFor(op, id string) string { return op + ":" + id }

func (m *Manager) entryFor(op, id string, cfg Config) *keyEntry {
	key := keyFor(op, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.breakers[key]; ok {
		return e
	}

	entry := &keyEntry{}
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // HALF_OPEN allows exactly one trial request.
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			entry.mu.Lock()
			if to == gobreaker.StateOpen {
				entry.resetAt = time.Now().Add(cfg.ResetTimeout)
			}
			entry.mu.Unlock()
			metrics.Get().RecordBreakerStateChange(name, to.String(), stateGauge(to))
			logger.Log.Info("circuit breaker state change", "key", name, "from", from.String(), "to", to.String())
		},
	}
	entry.cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[key] = entry
	return entry
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Run executes fn under the breaker keyed by (op,id), retrying up to
// cfg.Retries times with linear backoff (baseDelay*attempt) between
// attempts. Every attempt is measured by the C6 meter. Non-retryable
// errors (per apperror.IsRetryable's complement) are rethrown
// immediately without consuming a retry. An OPEN breaker short-circuits
// with CircuitOpen and consumes no retries at all.
func Run[T any](ctx context.Context, m *Manager, op, id string, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	entry := m.entryFor(op, id, cfg)

	var lastErr error
	maxAttempts := cfg.Retries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := entry.cb.Execute(func() (any, error) {
			var inner T
			measureErr := m.measure(ctx, op, func(ctx context.Context) error {
				r, e := fn(ctx)
				inner = r
				return e
			})
			return inner, measureErr
		})

		if err == nil {
			if r, ok := result.(T); ok {
				return r, nil
			}
			return zero, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, apperror.New(apperror.CodeCircuitOpen, "circuit open for "+keyFor(op, id)).
				WithDetails("op", op).WithDetails("id", id)
		}

		lastErr = err
		entry.recordError(err)

		if !apperror.IsRetryable(err) {
			return zero, err
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(cfg.BaseDelay * time.Duration(attempt)):
			}
		}
	}

	logger.Log.Error("circuit breaker exhausted retries", "op", op, "id", id, "error", lastErr)
	return zero, lastErr
}

func (m *Manager) measure(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if m.meter == nil {
		return fn(ctx)
	}
	return m.meter.Measure(ctx, op, fn)
}

// Snapshot is the read-only status the manager publishes for operators.
type Snapshot struct {
	Key      string
	State    string
	ResetAt  time.Time
	Errors   []errorFingerprint
}

// Snapshots returns a point-in-time view of every known breaker key.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for key, e := range m.breakers {
		e.mu.Lock()
		out = append(out, Snapshot{
			Key:     key,
			State:   e.cb.State().String(),
			ResetAt: e.resetAt,
			Errors:  append([]errorFingerprint{}, e.errorLog...),
		})
		e.mu.Unlock()
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
