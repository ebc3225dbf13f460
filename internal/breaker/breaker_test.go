package breaker

import (
	"context"
	"testing"
	"time"

	"dispatch/pkg/apperror"
)

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	m := NewManager(nil)
	calls := 0

	result, err := Run(context.Background(), m, "op", "k1", DefaultConfig(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result 'ok', got %q", result)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestRun_RetriesTransientFailuresUpToBudget(t *testing.T) {
	m := NewManager(nil)
	calls := 0
	cfg := Config{MaxFailures: 10, ResetTimeout: time.Second, Retries: 3, BaseDelay: time.Millisecond}

	_, err := Run(context.Background(), m, "op", "k2", cfg, func(ctx context.Context) (string, error) {
		calls++
		return "", apperror.New(apperror.CodeTransient, "boom")
	})

	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls != cfg.Retries {
		t.Errorf("expected %d attempts, got %d", cfg.Retries, calls)
	}
}

func TestRun_NonRetryableFailsImmediately(t *testing.T) {
	m := NewManager(nil)
	calls := 0
	cfg := Config{MaxFailures: 10, ResetTimeout: time.Second, Retries: 3, BaseDelay: time.Millisecond}

	_, err := Run(context.Background(), m, "op", "k3", cfg, func(ctx context.Context) (string, error) {
		calls++
		return "", apperror.New(apperror.CodeInvalidArgument, "bad input")
	})

	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("expected InvalidArgument to skip retries entirely, got %d calls", calls)
	}
}

// TestCircuitOpensAndRecoversToHalfOpen exercises spec §8 scenario 3:
// maxFailures=2, resetTimeout=100ms. Two consecutive failures open the
// breaker; a third call within the reset window short-circuits; after the
// reset window elapses a succeeding call closes the breaker again.
func TestCircuitOpensAndRecoversToHalfOpen(t *testing.T) {
	m := NewManager(nil)
	cfg := Config{MaxFailures: 2, ResetTimeout: 100 * time.Millisecond, Retries: 1, BaseDelay: time.Millisecond}

	fail := func(ctx context.Context) (string, error) {
		return "", apperror.New(apperror.CodeTransient, "boom")
	}

	if _, err := Run(context.Background(), m, "op", "k4", cfg, fail); err == nil {
		t.Fatal("expected first failure to return an error")
	}
	if _, err := Run(context.Background(), m, "op", "k4", cfg, fail); err == nil {
		t.Fatal("expected second failure to return an error")
	}

	calls := 0
	_, err := Run(context.Background(), m, "op", "k4", cfg, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if apperror.Code(err) != apperror.CodeCircuitOpen {
		t.Fatalf("expected CircuitOpen immediately after 2 failures, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected the open breaker to short-circuit without calling fn, got %d calls", calls)
	}

	time.Sleep(150 * time.Millisecond)

	result, err := Run(context.Background(), m, "op", "k4", cfg, func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("expected the half-open trial to succeed and close the breaker, got %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected 'recovered', got %q", result)
	}

	// A subsequent failure should again count from zero, not reopen
	// immediately (closed state resets the consecutive-failure count).
	if _, err := Run(context.Background(), m, "op", "k4", cfg, fail); err == nil {
		t.Fatal("expected a failure to be reported")
	}
	_, err = Run(context.Background(), m, "op", "k4", cfg, func(ctx context.Context) (string, error) {
		return "still closed", nil
	})
	if err != nil {
		t.Fatalf("expected breaker to still accept requests after a single post-recovery failure, got %v", err)
	}
}

func TestRun_MaxFailuresOneOpensOnFirstFailure(t *testing.T) {
	m := NewManager(nil)
	cfg := Config{MaxFailures: 1, ResetTimeout: time.Hour, Retries: 1, BaseDelay: time.Millisecond}

	_, err := Run(context.Background(), m, "op", "k5", cfg, func(ctx context.Context) (string, error) {
		return "", apperror.New(apperror.CodeTransient, "boom")
	})
	if err == nil {
		t.Fatal("expected the first failure to be reported")
	}

	_, err = Run(context.Background(), m, "op", "k5", cfg, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if apperror.Code(err) != apperror.CodeCircuitOpen {
		t.Fatalf("expected breaker already OPEN after a single failure with maxFailures=1, got %v", err)
	}
}

// A collaborator can itself surface CircuitOpen (its own downstream
// breaker tripped). That error is rethrown immediately, never retried.
func TestRun_FnReturnedCircuitOpenIsNotRetried(t *testing.T) {
	m := NewManager(nil)
	calls := 0
	cfg := Config{MaxFailures: 10, ResetTimeout: time.Second, Retries: 3, BaseDelay: time.Millisecond}

	_, err := Run(context.Background(), m, "op", "k6", cfg, func(ctx context.Context) (string, error) {
		calls++
		return "", apperror.New(apperror.CodeCircuitOpen, "downstream circuit open")
	})

	if apperror.Code(err) != apperror.CodeCircuitOpen {
		t.Fatalf("expected the CircuitOpen error surfaced, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a fn-returned CircuitOpen to skip retries entirely, got %d calls", calls)
	}
}
