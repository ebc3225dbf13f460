// Package matcher implements the C5 weighted driver-scoring and ranking
// pass. Scoring is pure relative to the snapshot of drivers (with their
// performance aggregates already attached) and context passed in —
// rank never fetches anything itself.
package matcher

import (
	"math"
	"sort"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/geo"
)

// weights are applied in fixed order: distance, performance, availability,
// preference, realtime.
const (
	weightDistance     = 0.30
	weightPerformance  = 0.25
	weightAvailability = 0.20
	weightPreference   = 0.15
	weightRealtime     = 0.10
)

// Context is everything rank needs beyond the order and candidate list:
// the customer's preference lists and the realtime/threat signal bag.
type Context struct {
	Preferences domain.CustomerPreferences
	Realtime    domain.RealtimeContext
	Now         time.Time
}

// Rank scores every candidate against order under ctx and returns them
// sorted descending by MatchScore. Ties preserve input order (sort.Stable).
func Rank(order domain.Order, candidates []domain.Driver, ctx Context) []domain.Driver {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	ranked := make([]domain.Driver, len(candidates))
	copy(ranked, candidates)

	for i := range ranked {
		ranked[i].MatchScore = score(order, ranked[i], ctx, now)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MatchScore > ranked[j].MatchScore
	})

	return ranked
}

// score blends the five sub-scores into a single match score (at most
// 101: the realtime sub-score is not capped and reaches 110 with the
// rush-hour bonus), starting from base=100 and applying each weighted blend in sequence:
// score := score*(1-w) + sub*w.
func score(order domain.Order, d domain.Driver, ctx Context, now time.Time) float64 {
	s := 100.0

	s = blend(s, distanceSubScore(order, d), weightDistance)
	s = blend(s, performanceSubScore(d), weightPerformance)
	s = blend(s, availabilitySubScore(d, now), weightAvailability)
	s = blend(s, preferenceSubScore(order, d, ctx.Preferences), weightPreference)
	s = blend(s, realtimeSubScore(ctx.Realtime), weightRealtime)

	return round2(s)
}

func blend(base, sub, weight float64) float64 {
	return base*(1-weight) + sub*weight
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// distanceSubScore: <=5mi => 100, else linear falloff of 10 points/mile
// past 5, floored at 0. Missing location => 50.
func distanceSubScore(order domain.Order, d domain.Driver) float64 {
	if !d.HasLocation {
		return 50
	}
	miles := geo.DistanceMiles(d.Lat, d.Lon, order.VendorLat, order.VendorLon)
	if miles <= 5 {
		return 100
	}
	return math.Max(0, 100-10*(miles-5))
}

// performanceSubScore blends the 30-day success rate, rating, and average
// delivery time. No data at all => 75.
func performanceSubScore(d domain.Driver) float64 {
	if d.Performance == nil {
		return 75
	}

	successRate, hasSuccess := d.Performance.SuccessRate()
	if !hasSuccess {
		successRate = 75
	}

	rating, _ := d.Performance.AvgRating()
	avgMinutes, _ := d.Performance.AvgDeliveryMinutes()

	sub := successRate*0.4 +
		(rating/5)*100*0.3 +
		math.Max(0, 100-2*(avgMinutes-20))*0.3

	return clamp(sub, 0, 100)
}

// availabilitySubScore: 100 minus 30 per active assignment (capped at
// 100), 0 if not active, with a further heartbeat-staleness penalty.
func availabilitySubScore(d domain.Driver, now time.Time) float64 {
	if !d.Active {
		return 0
	}

	sub := 100 - math.Min(100, 30*float64(d.ActiveAssignments))

	if !d.LastHeartbeat.IsZero() {
		staleMinutes := now.Sub(d.LastHeartbeat).Minutes()
		if staleMinutes > 5 {
			sub -= 5 * (staleMinutes - 5)
		}
	}

	return math.Max(0, sub)
}

// preferenceSubScore: customer-preferred driver => 100, blocked => 0,
// driver prefers this vendor => 90, else 80.
func preferenceSubScore(order domain.Order, d domain.Driver, prefs domain.CustomerPreferences) float64 {
	if prefs.Blocked != nil && prefs.Blocked[d.ID] {
		return 0
	}
	if prefs.Preferred != nil && prefs.Preferred[d.ID] {
		return 100
	}
	if d.PreferredVendors != nil && d.PreferredVendors[order.VendorID] {
		return 90
	}
	return 80
}

// realtimeSubScore: 100, minus 10 for rain/snow, minus 15 for heavy
// traffic, plus 10 during rush hours, floored at 0.
func realtimeSubScore(rt domain.RealtimeContext) float64 {
	sub := 100.0

	switch rt.Weather {
	case "rain", "snow":
		sub -= 10
	}
	if rt.Traffic == "heavy" {
		sub -= 15
	}
	if rt.IsRushHour() {
		sub += 10
	}

	return math.Max(0, sub)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
