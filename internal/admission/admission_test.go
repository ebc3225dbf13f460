package admission

import (
	"context"
	"errors"
	"testing"

	"dispatch/pkg/apperror"
)

func TestAcquire_SucceedsWithinLimit(t *testing.T) {
	m := New(Limits{ActiveDispatch: 2}, nil, nil)

	h, err := m.Acquire(context.Background(), ResourceActiveDispatch, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Release()

	for _, s := range m.Snapshots() {
		if s.Resource == ResourceActiveDispatch && s.Current != 1 {
			t.Errorf("expected current=1 after acquire, got %d", s.Current)
		}
	}
}

func TestAcquire_ExhaustionReturnsResourceExhausted(t *testing.T) {
	m := New(Limits{ActiveDispatch: 1}, nil, nil)

	h1, err := m.Acquire(context.Background(), ResourceActiveDispatch, 1)
	if err != nil {
		t.Fatalf("unexpected error acquiring first unit: %v", err)
	}
	defer h1.Release()

	_, err = m.Acquire(context.Background(), ResourceActiveDispatch, 1)
	if err == nil {
		t.Fatal("expected an error when exceeding the limit")
	}
	if apperror.Code(err) != apperror.CodeResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}

func TestAcquire_ExhaustionFiresPressureCallback(t *testing.T) {
	fired := ""
	m := New(Limits{ActiveDispatch: 1}, nil, func(r ResourceType) { fired = string(r) })

	h, _ := m.Acquire(context.Background(), ResourceActiveDispatch, 1)
	defer h.Release()

	_, _ = m.Acquire(context.Background(), ResourceActiveDispatch, 1)

	if fired != string(ResourceActiveDispatch) {
		t.Errorf("expected pressure callback fired for activeDispatch, got %q", fired)
	}
}

// TestWithResources_ReleasesExactlyOnceOnSuccess and the failure variant
// below exercise spec §8's round-trip property: current is decremented by
// exactly n on every exit path.
func TestWithResources_ReleasesExactlyOnceOnSuccess(t *testing.T) {
	m := New(Limits{ActiveDispatch: 5}, nil, nil)

	err := WithResources(context.Background(), m, []Requirement{{Resource: ResourceActiveDispatch, N: 2}},
		func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, s := range m.Snapshots() {
		if s.Resource == ResourceActiveDispatch && s.Current != 0 {
			t.Errorf("expected current back to 0 after release, got %d", s.Current)
		}
	}
}

func TestWithResources_ReleasesOnFnError(t *testing.T) {
	m := New(Limits{ActiveDispatch: 5}, nil, nil)
	boom := errors.New("boom")

	err := WithResources(context.Background(), m, []Requirement{{Resource: ResourceActiveDispatch, N: 3}},
		func(ctx context.Context) error { return boom })

	if !errors.Is(err, boom) {
		t.Fatalf("expected the underlying error to propagate, got %v", err)
	}
	for _, s := range m.Snapshots() {
		if s.Resource == ResourceActiveDispatch && s.Current != 0 {
			t.Errorf("expected current back to 0 even when fn fails, got %d", s.Current)
		}
	}
}

func TestWithResources_PartialAcquireFailureReleasesAcquiredOnes(t *testing.T) {
	m := New(Limits{ActiveDispatch: 1, DBConns: 0}, nil, nil)

	ran := false
	err := WithResources(context.Background(), m,
		[]Requirement{
			{Resource: ResourceActiveDispatch, N: 1},
			{Resource: ResourceDBConns, N: 1}, // limit is 0, this must fail
		},
		func(ctx context.Context) error { ran = true; return nil },
	)

	if err == nil {
		t.Fatal("expected the second acquire to fail")
	}
	if ran {
		t.Error("fn must not run when any requirement fails to acquire")
	}
	for _, s := range m.Snapshots() {
		if s.Resource == ResourceActiveDispatch && s.Current != 0 {
			t.Errorf("expected the already-acquired activeDispatch unit released, got current=%d", s.Current)
		}
	}
}

func TestAcquire_UnknownResourceIsInvalidArgument(t *testing.T) {
	m := New(DefaultLimits(), nil, nil)
	_, err := m.Acquire(context.Background(), ResourceType("bogus"), 1)
	if apperror.Code(err) != apperror.CodeInvalidArgument {
		t.Errorf("expected InvalidArgument for an unknown resource type, got %v", err)
	}
}

func TestSample_HeapOverLimitTriggersCleanup(t *testing.T) {
	m := New(Limits{HeapBytes: 1}, nil, nil) // any real heap alloc exceeds 1 byte
	cleaned := false
	m.SetCleanup(func() { cleaned = true })

	m.Sample(0, 0)

	if !cleaned {
		t.Error("expected emergency cleanup to fire when heap exceeds its limit")
	}
}

func TestSample_HeapWithinLimitDoesNotTriggerCleanup(t *testing.T) {
	m := New(Limits{HeapBytes: 1 << 40}, nil, nil) // 1 TiB, far above any test process's heap
	cleaned := false
	m.SetCleanup(func() { cleaned = true })

	m.Sample(0, 0)

	if cleaned {
		t.Error("did not expect cleanup when heap is within its limit")
	}
}

func TestDefaultLimits_MatchSpec(t *testing.T) {
	l := DefaultLimits()
	if l.ActiveDispatch != 100 {
		t.Errorf("expected activeDispatch=100, got %d", l.ActiveDispatch)
	}
	if l.HeapBytes != 512*1024*1024 {
		t.Errorf("expected heapBytes=512MiB, got %d", l.HeapBytes)
	}
	if l.CPUPercent != 80 {
		t.Errorf("expected cpuPct=80, got %d", l.CPUPercent)
	}
	if l.DBConns != 50 {
		t.Errorf("expected dbConns=50, got %d", l.DBConns)
	}
}
