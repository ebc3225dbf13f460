package spatial

import (
	"testing"
	"time"

	"dispatch/internal/domain"
)

func driverAt(id string, lat, lon float64, heartbeat time.Time) domain.Driver {
	return domain.Driver{
		ID: id, Lat: lat, Lon: lon, HasLocation: true,
		Active: true, LastHeartbeat: heartbeat,
	}
}

func TestUpsertAndNear_ReturnsWithinRadiusSortedByDistance(t *testing.T) {
	idx := New()
	now := time.Now()

	vendor := domain.Driver{} // unused, just for readability
	_ = vendor

	near := driverAt("near", 34.050, -118.250, now)
	far := driverAt("far", 34.10, -118.30, now) // several miles away
	outOfRange := driverAt("out", 40.0, -100.0, now)

	idx.Upsert([]domain.Driver{far, near, outOfRange})

	results := idx.Near(34.050, -118.250, 10)

	if len(results) != 2 {
		t.Fatalf("expected 2 drivers within 10mi, got %d: %+v", len(results), results)
	}
	if results[0].ID != "near" {
		t.Errorf("expected nearest driver first, got %s", results[0].ID)
	}
	if results[1].ID != "far" {
		t.Errorf("expected farther driver second, got %s", results[1].ID)
	}
}

func TestNear_RadiusZeroReturnsOnlyExactPosition(t *testing.T) {
	idx := New()
	now := time.Now()

	exact := driverAt("exact", 34.050, -118.250, now)
	nearby := driverAt("nearby", 34.051, -118.251, now)
	idx.Upsert([]domain.Driver{exact, nearby})

	results := idx.Near(34.050, -118.250, 0)

	if len(results) != 1 || results[0].ID != "exact" {
		t.Fatalf("expected only the exact-position driver, got %+v", results)
	}
}

func TestUpsert_DropsStaleHeartbeat(t *testing.T) {
	idx := New()
	now := time.Now()

	stale := driverAt("stale", 34.050, -118.250, now.Add(-11*time.Minute))
	idx.Upsert([]domain.Driver{stale})

	if results := idx.Near(34.050, -118.250, 5); len(results) != 0 {
		t.Fatalf("expected stale driver to be excluded on upsert, got %+v", results)
	}
}

func TestUpsert_DropsInactiveOrMissingLocation(t *testing.T) {
	idx := New()
	now := time.Now()

	inactive := driverAt("inactive", 34.050, -118.250, now)
	inactive.Active = false

	noLocation := driverAt("nolocation", 34.050, -118.250, now)
	noLocation.HasLocation = false

	idx.Upsert([]domain.Driver{inactive, noLocation})

	if results := idx.Near(34.050, -118.250, 5); len(results) != 0 {
		t.Fatalf("expected both drivers excluded, got %+v", results)
	}
}

// TestGCStale_EvictsDriverWhoseHeartbeatAgedOutSinceUpsert exercises spec
// scenario 2: a driver's heartbeat ages past the 10-minute liveness window
// between its insertion and a later GC sweep.
func TestGCStale_EvictsDriverWhoseHeartbeatAgedOutSinceUpsert(t *testing.T) {
	idx := NewWithParams(0.01, 10*time.Minute)
	base := time.Now()
	idx.nowFn = func() time.Time { return base }

	x := driverAt("X", 34.050, -118.250, base)
	idx.Upsert([]domain.Driver{x})

	if results := idx.Near(x.Lat, x.Lon, 5); len(results) != 1 {
		t.Fatalf("expected driver X present immediately after upsert, got %+v", results)
	}

	idx.nowFn = func() time.Time { return base.Add(11 * time.Minute) }
	idx.GCStale()

	if results := idx.Near(x.Lat, x.Lon, 5); len(results) != 0 {
		t.Fatalf("expected driver X evicted after gcStale once heartbeat exceeds liveness window, got %+v", results)
	}
}

func TestNear_DeduplicatesByDriverID(t *testing.T) {
	idx := New()
	now := time.Now()
	// Same driver reported twice (e.g. straddling two upsert batches merged
	// by the caller) must still appear once.
	d := driverAt("dup", 34.050, -118.250, now)
	idx.Upsert([]domain.Driver{d, d})

	results := idx.Near(34.050, -118.250, 5)
	if len(results) != 1 {
		t.Fatalf("expected deduplication to one entry, got %d: %+v", len(results), results)
	}
}

func TestStats_CountsCellsAndDrivers(t *testing.T) {
	idx := New()
	now := time.Now()
	idx.Upsert([]domain.Driver{
		driverAt("a", 34.050, -118.250, now),
		driverAt("b", 34.050, -118.250, now), // same cell as a
		driverAt("c", 40.0, -100.0, now),     // distinct cell
	})

	stats := idx.Stats()
	if stats.TotalDrivers != 3 {
		t.Errorf("expected 3 total drivers, got %d", stats.TotalDrivers)
	}
	if stats.CellCount != 2 {
		t.Errorf("expected 2 cells, got %d", stats.CellCount)
	}
}
