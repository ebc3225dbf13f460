package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dispatch/internal/admission"
	"dispatch/internal/breaker"
	"dispatch/internal/collab"
	"dispatch/internal/domain"
	"dispatch/internal/notifier"
	"dispatch/internal/perfmeter"
	"dispatch/internal/sink"
	"dispatch/internal/spatial"
	"dispatch/internal/threat"
	"dispatch/pkg/apperror"
	"dispatch/pkg/cache"
)

// countingDriverSource counts ListCandidates calls so tests can assert
// the adaptive cache collapses repeat fetches.
type countingDriverSource struct {
	inner *collab.MemoryDriverSource
	calls atomic.Int64
}

func (s *countingDriverSource) ListCandidates(ctx context.Context, order domain.Order, meta map[string]any) ([]domain.Driver, error) {
	s.calls.Add(1)
	return s.inner.ListCandidates(ctx, order, meta)
}

func driverAt(id string, lat, lon float64, assignments int) domain.Driver {
	return domain.Driver{
		ID: id, Lat: lat, Lon: lon, HasLocation: true,
		Active: true, LastHeartbeat: time.Now(),
		ActiveAssignments: assignments,
	}
}

func newTestOrchestrator(t *testing.T, drivers []domain.Driver) (*Orchestrator, *countingDriverSource, *sink.MemorySink) {
	t.Helper()

	memSink := sink.NewMemory()
	source := &countingDriverSource{inner: collab.NewMemoryDriverSource(drivers)}

	base := cache.NewMemoryCache(&cache.Options{DefaultTTL: time.Minute})
	t.Cleanup(func() { _ = base.Close() })

	meter := perfmeter.New(perfmeter.Config{}, nil)

	o := &Orchestrator{
		Admission:        admission.New(admission.DefaultLimits(), memSink, nil),
		Breaker:          breaker.NewManager(meter),
		Cache:            cache.NewAdaptiveCache(base),
		Index:            spatial.NewWithParams(0.01, 10*time.Minute),
		Threat:           threat.New(threat.DefaultThresholds(), collab.NewLocalIPReputation(), nil, memSink),
		Notifier:         notifier.New(map[notifier.Channel]notifier.Adapter{notifier.ChannelPush: notifier.NewNoopAdapter(notifier.ChannelPush)}, memSink),
		DriverSource:     source,
		PerformanceStore: collab.NewMemoryPerformanceStore(),
		PreferenceStore:  collab.NewMemoryPreferenceStore(),
		CacheBaseMinutes: 2,
		RadiusMiles:      5,
		BreakerConfig: breaker.Config{
			MaxFailures: 5, ResetTimeout: 100 * time.Millisecond,
			Retries: 1, BaseDelay: time.Millisecond,
		},
	}
	return o, source, memSink
}

func TestDispatch_PicksLeastLoadedDriverAtCenter(t *testing.T) {
	free := driverAt("free", 34.050, -118.250, 0)
	busy := driverAt("busy", 34.050, -118.250, 2)

	o, _, _ := newTestOrchestrator(t, []domain.Driver{busy, free})

	result, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{
			ID: "o-1", VendorID: "v-1", AuthorID: "u-1",
			VendorLat: 34.050, VendorLon: -118.250,
		},
		Realtime: domain.RealtimeContext{Weather: "clear", Traffic: "light", HourLocal: 12},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if result.DriverID != "free" {
		t.Errorf("DriverID = %q, want the driver with 0 active assignments", result.DriverID)
	}
	if result.Score <= 80 {
		t.Errorf("Score = %v, want > 80", result.Score)
	}
}

func TestDispatch_NoDriversSurfacesNoCandidates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	_, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", VendorLat: 34, VendorLon: -118},
	})
	if err == nil {
		t.Fatal("expected an error with no drivers available")
	}
	if apperror.Code(err) != apperror.CodeNoCandidates {
		t.Errorf("error code = %v, want NO_CANDIDATES", apperror.Code(err))
	}
}

func TestDispatch_OutOfRangeDriversAreNotCandidates(t *testing.T) {
	far := driverAt("far", 40.0, -100.0, 0) // ~1000 miles away

	o, _, _ := newTestOrchestrator(t, []domain.Driver{far})

	_, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", VendorLat: 34.05, VendorLon: -118.25},
	})
	if apperror.Code(err) != apperror.CodeNoCandidates {
		t.Errorf("error code = %v, want NO_CANDIDATES for out-of-radius drivers", apperror.Code(err))
	}
}

func TestDispatch_SecondCallHitsDriverSetCache(t *testing.T) {
	d := driverAt("d-1", 34.050, -118.250, 0)
	o, source, _ := newTestOrchestrator(t, []domain.Driver{d})

	req := Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", VendorLat: 34.050, VendorLon: -118.250},
	}

	if _, err := o.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	req.Order.ID = "o-2"
	if _, err := o.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}

	if got := source.calls.Load(); got != 1 {
		t.Errorf("DriverSource.ListCandidates called %d times, want 1 (second dispatch should hit the cache)", got)
	}
}

func TestDispatch_ReleasesAdmissionOnEveryPath(t *testing.T) {
	d := driverAt("d-1", 34.050, -118.250, 0)
	o, _, _ := newTestOrchestrator(t, []domain.Driver{d})

	ctx := context.Background()
	okReq := Request{Order: domain.Order{ID: "o-1", VendorID: "v-1", VendorLat: 34.050, VendorLon: -118.250}}
	failReq := Request{Order: domain.Order{ID: "o-2", VendorID: "v-2", VendorLat: 0, VendorLon: 0}}

	_, _ = o.Dispatch(ctx, okReq)
	_, _ = o.Dispatch(ctx, failReq) // NoCandidates path

	for _, snap := range o.Admission.Snapshots() {
		if snap.Resource == admission.ResourceActiveDispatch && snap.Current != 0 {
			t.Errorf("activeDispatch = %d after dispatches returned, want 0", snap.Current)
		}
	}
}

func TestDispatch_ResourceExhaustedSurfaces(t *testing.T) {
	d := driverAt("d-1", 34.050, -118.250, 0)
	o, _, _ := newTestOrchestrator(t, []domain.Driver{d})
	o.Admission = admission.New(admission.Limits{ActiveDispatch: 0, HeapBytes: 1 << 30, CPUPercent: 100, DBConns: 10}, nil, nil)

	_, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", VendorLat: 34.050, VendorLon: -118.250},
	})
	if apperror.Code(err) != apperror.CodeResourceExhausted {
		t.Errorf("error code = %v, want RESOURCE_EXHAUSTED", apperror.Code(err))
	}
}

func TestDispatch_RecordsThreatActivity(t *testing.T) {
	d := driverAt("d-1", 34.050, -118.250, 0)
	o, _, memSink := newTestOrchestrator(t, []domain.Driver{d})

	_, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", AuthorID: "customer-9", VendorLat: 34.050, VendorLon: -118.250},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := memSink.ByTopic("fraud_scores"); len(got) == 0 {
		t.Error("expected a fraud_scores audit record from the threat meter")
	}
}

func TestDriverSetKey_BucketsByMinute(t *testing.T) {
	order := domain.Order{VendorID: "v-1"}
	now := time.Unix(1700000000, 0)

	same := driverSetKey(order, now.Add(30*time.Second))
	if driverSetKey(order, now) != same {
		t.Error("keys within one minute bucket should match")
	}
	if driverSetKey(order, now.Add(2*time.Minute)) == same {
		t.Error("keys across minute buckets should differ")
	}
}

func TestClassify_PassesThroughKnownCodes(t *testing.T) {
	for _, e := range []error{apperror.ErrNoCandidates, apperror.ErrResourceFull} {
		if classify(e) != e {
			t.Errorf("classify(%v) should pass the error through", e)
		}
	}
}

func TestDispatch_SuspendedAuthorIsRefused(t *testing.T) {
	d := driverAt("d-1", 34.050, -118.250, 0)
	o, _, _ := newTestOrchestrator(t, []domain.Driver{d})

	// Drive the author's threat score past the suspend threshold.
	rep := collab.NewLocalIPReputation()
	rep.MarkSuspicious("9.9.9.9")
	rep.MarkBlacklisted("9.9.9.9")
	o.Threat = threat.New(threat.DefaultThresholds(), rep, nil, nil)
	o.Threat.Score(context.Background(), "attacker", "probe", domain.RealtimeContext{
		ClientIP: "9.9.9.9", TorDetected: true, AutomatedBehaviorDetected: true,
	})

	_, err := o.Dispatch(context.Background(), Request{
		Order: domain.Order{ID: "o-1", VendorID: "v-1", AuthorID: "attacker", VendorLat: 34.050, VendorLon: -118.250},
	})
	if apperror.Code(err) != apperror.CodeSuspended {
		t.Errorf("error code = %v, want SUBJECT_SUSPENDED", apperror.Code(err))
	}
}
