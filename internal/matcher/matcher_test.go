package matcher

import (
	"testing"
	"time"

	"dispatch/internal/domain"
)

func TestRank_MatchAtCenter_FewerAssignmentsWinsAndBothScoreHigh(t *testing.T) {
	// Spec §8 scenario 1: two drivers co-located with the vendor, one with
	// zero active assignments and one with two; expect the idle driver
	// ranked first and both scores above 80.
	now := time.Now()
	order := domain.Order{ID: "o1", VendorID: "v1", VendorLat: 34.050, VendorLon: -118.250}

	idle := domain.Driver{
		ID: "idle", Lat: 34.050, Lon: -118.250, HasLocation: true,
		Active: true, LastHeartbeat: now, ActiveAssignments: 0,
	}
	busy := domain.Driver{
		ID: "busy", Lat: 34.050, Lon: -118.250, HasLocation: true,
		Active: true, LastHeartbeat: now, ActiveAssignments: 2,
	}

	ctx := Context{
		Realtime: domain.RealtimeContext{Weather: "clear", Traffic: "light", HourLocal: 12},
		Now:      now,
	}

	ranked := Rank(order, []domain.Driver{busy, idle}, ctx)

	if ranked[0].ID != "idle" {
		t.Fatalf("expected idle driver ranked first, got %s (scores: %+v)", ranked[0].ID, ranked)
	}
	for _, d := range ranked {
		if d.MatchScore <= 80 {
			t.Errorf("expected driver %s to score above 80, got %v", d.ID, d.MatchScore)
		}
	}
}

func TestRank_TiesPreserveInputOrder(t *testing.T) {
	now := time.Now()
	order := domain.Order{VendorID: "v1", VendorLat: 34.050, VendorLon: -118.250}

	a := domain.Driver{ID: "a", Lat: 34.050, Lon: -118.250, HasLocation: true, Active: true, LastHeartbeat: now}
	b := domain.Driver{ID: "b", Lat: 34.050, Lon: -118.250, HasLocation: true, Active: true, LastHeartbeat: now}

	ranked := Rank(order, []domain.Driver{a, b}, Context{Now: now})

	if ranked[0].ID != "a" || ranked[1].ID != "b" {
		t.Errorf("expected stable order [a,b] for identical inputs, got [%s,%s]", ranked[0].ID, ranked[1].ID)
	}
}

func TestDistanceSubScore_WithinFiveMilesIsPerfect(t *testing.T) {
	order := domain.Order{VendorLat: 34.050, VendorLon: -118.250}
	d := domain.Driver{Lat: 34.050, Lon: -118.250, HasLocation: true}
	if got := distanceSubScore(order, d); got != 100 {
		t.Errorf("expected 100 at zero distance, got %v", got)
	}
}

func TestDistanceSubScore_MissingLocationDefaultsTo50(t *testing.T) {
	order := domain.Order{VendorLat: 34.050, VendorLon: -118.250}
	d := domain.Driver{HasLocation: false}
	if got := distanceSubScore(order, d); got != 50 {
		t.Errorf("expected 50 for missing location, got %v", got)
	}
}

func TestPerformanceSubScore_NoDataDefaultsTo75(t *testing.T) {
	d := domain.Driver{Performance: nil}
	if got := performanceSubScore(d); got != 75 {
		t.Errorf("expected 75 with no performance data, got %v", got)
	}
}

func TestAvailabilitySubScore_InactiveIsZero(t *testing.T) {
	d := domain.Driver{Active: false}
	if got := availabilitySubScore(d, time.Now()); got != 0 {
		t.Errorf("expected 0 for inactive driver, got %v", got)
	}
}

func TestAvailabilitySubScore_StaleHeartbeatPenalized(t *testing.T) {
	now := time.Now()
	d := domain.Driver{Active: true, LastHeartbeat: now.Add(-10 * time.Minute)}
	got := availabilitySubScore(d, now)
	// 100 - 5*(10-5) = 75
	if got != 75 {
		t.Errorf("expected 75 for a 10-minute-stale heartbeat, got %v", got)
	}
}

func TestPreferenceSubScore_BlockedBeatsPreferred(t *testing.T) {
	order := domain.Order{VendorID: "v1"}
	d := domain.Driver{ID: "d1"}
	prefs := domain.CustomerPreferences{
		Preferred: map[string]bool{"d1": true},
		Blocked:   map[string]bool{"d1": true},
	}
	if got := preferenceSubScore(order, d, prefs); got != 0 {
		t.Errorf("expected blocked (0) to take priority over preferred, got %v", got)
	}
}

func TestPreferenceSubScore_DriverPrefersVendor(t *testing.T) {
	order := domain.Order{VendorID: "v1"}
	d := domain.Driver{ID: "d1", PreferredVendors: map[string]bool{"v1": true}}
	if got := preferenceSubScore(order, d, domain.CustomerPreferences{}); got != 90 {
		t.Errorf("expected 90 for driver-prefers-vendor, got %v", got)
	}
}

func TestPreferenceSubScore_NoSignalDefaultsTo80(t *testing.T) {
	order := domain.Order{VendorID: "v1"}
	d := domain.Driver{ID: "d1"}
	if got := preferenceSubScore(order, d, domain.CustomerPreferences{}); got != 80 {
		t.Errorf("expected 80 with no preference signal, got %v", got)
	}
}

func TestRealtimeSubScore_RainAndHeavyTrafficAndRushHour(t *testing.T) {
	rt := domain.RealtimeContext{Weather: "rain", Traffic: "heavy", HourLocal: 12}
	// 100 - 10 (rain) - 15 (heavy) + 10 (rush hour, 11-14) = 85
	if got := realtimeSubScore(rt); got != 85 {
		t.Errorf("expected 85, got %v", got)
	}
}

func TestRealtimeSubScore_FloorsAtZero(t *testing.T) {
	rt := domain.RealtimeContext{Weather: "snow", Traffic: "heavy", HourLocal: 3}
	got := realtimeSubScore(rt)
	if got < 0 {
		t.Errorf("expected realtime sub-score to floor at 0, got %v", got)
	}
}

func TestIsRushHour_Windows(t *testing.T) {
	cases := map[int]bool{0: false, 11: true, 14: true, 15: false, 17: true, 21: true, 22: false}
	for hour, want := range cases {
		rt := domain.RealtimeContext{HourLocal: hour}
		if got := rt.IsRushHour(); got != want {
			t.Errorf("IsRushHour(%d) = %v, want %v", hour, got, want)
		}
	}
}
