// Package spatial implements the grid-bucketed live-driver index (C4):
// whole-map upserts with atomic replacement, liveness GC, and a
// bounding-box-prefiltered radius query.
package spatial

import (
	"sort"
	"sync/atomic"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/geo"
	"dispatch/pkg/logger"
)

const (
	defaultGridDegrees    = 0.01
	defaultLivenessWindow = 10 * time.Minute
)

// cellMap is the atomically-swapped snapshot readers observe: either the
// pre- or post-upsert map, never a partial merge.
type cellMap map[geo.CellKey][]domain.Driver

// Index is the C4 spatial index. All mutation goes through Upsert/GCStale,
// which build a new cellMap and swap it in under an atomic.Pointer — the
// hot read path (Near) never takes a lock.
type Index struct {
	grid      float64
	liveness  time.Duration
	snapshot  atomic.Pointer[cellMap]
	nowFn     func() time.Time
}

// New returns an empty Index using the spec's default grid size (0.01
// degrees) and liveness window (10 minutes).
func New() *Index {
	return NewWithParams(defaultGridDegrees, defaultLivenessWindow)
}

// NewWithParams returns an empty Index with a custom grid size and
// liveness window, for tests and alternate deployments.
func NewWithParams(gridDegrees float64, liveness time.Duration) *Index {
	idx := &Index{grid: gridDegrees, liveness: liveness, nowFn: time.Now}
	empty := cellMap{}
	idx.snapshot.Store(&empty)
	return idx
}

func (idx *Index) isLive(d domain.Driver, now time.Time) bool {
	return d.Active && d.HasLocation && now.Sub(d.LastHeartbeat) <= idx.liveness
}

// Upsert replaces the entire index from a fresh driver population. Drivers
// that fail the liveness predicate (inactive, no position, or a stale
// heartbeat) are simply omitted — a subsequent GCStale is redundant
// immediately after Upsert but is still run, matching the spec's "then run
// gcStale()" sequencing so a caller composing the two independently sees
// the same guarantee.
func (idx *Index) Upsert(drivers []domain.Driver) {
	now := idx.nowFn()
	next := cellMap{}
	for _, d := range drivers {
		if !idx.isLive(d, now) {
			continue
		}
		key := geo.GridKey(d.Lat, d.Lon, idx.grid)
		next[key] = append(next[key], d)
	}
	idx.snapshot.Store(&next)
	idx.GCStale()
}

// GCStale drops drivers that have fallen below the liveness predicate
// since their cell was built, and removes cells left empty. Scheduled
// independently every 10 minutes (the spatial-gc job in
// services/dispatch-svc/cmd/factory.go, scheduleBackgroundJobs) in
// addition to running after every Upsert.
func (idx *Index) GCStale() {
	now := idx.nowFn()
	cur := *idx.snapshot.Load()
	next := cellMap{}
	dropped := 0
	for key, drivers := range cur {
		var kept []domain.Driver
		for _, d := range drivers {
			if idx.isLive(d, now) {
				kept = append(kept, d)
			} else {
				dropped++
			}
		}
		if len(kept) > 0 {
			next[key] = kept
		}
	}
	if dropped > 0 {
		logger.Log.Debug("spatial index GC dropped stale drivers", "count", dropped)
	}
	idx.snapshot.Store(&next)
}

// Clear empties the index entirely; the emergency-cleanup path calls
// this alongside clearing the caches.
func (idx *Index) Clear() {
	empty := cellMap{}
	idx.snapshot.Store(&empty)
}

// candidate pairs a driver with its distance from the query point, used
// only to sort Near's results.
type candidate struct {
	driver   domain.Driver
	distance float64
}

// Near returns every live driver within radiusMiles of (lat, lon), sorted
// by ascending distance and deduplicated by driver ID. radiusMiles=0
// returns only drivers exactly at the query position.
func (idx *Index) Near(lat, lon, radiusMiles float64) []domain.Driver {
	cur := *idx.snapshot.Load()

	latDelta, lonDelta := geo.BoundingBoxDegrees(lat, radiusMiles)
	cells := geo.CellsInBox(lat, lon, latDelta, lonDelta, idx.grid)

	seen := make(map[string]bool)
	var candidates []candidate
	for _, key := range cells {
		for _, d := range cur[key] {
			if seen[d.ID] {
				continue
			}
			dist := geo.DistanceMiles(lat, lon, d.Lat, d.Lon)
			if dist <= radiusMiles {
				seen[d.ID] = true
				candidates = append(candidates, candidate{driver: d, distance: dist})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	out := make([]domain.Driver, len(candidates))
	for i, c := range candidates {
		out[i] = c.driver
	}
	return out
}

// Stats is the read-only status snapshot C4 publishes for operators.
type Stats struct {
	CellCount      int
	TotalDrivers   int
	MeanPerCell    float64
}

// Stats returns cell count, total driver count, and mean drivers per cell.
func (idx *Index) Stats() Stats {
	cur := *idx.snapshot.Load()
	total := 0
	for _, drivers := range cur {
		total += len(drivers)
	}
	mean := 0.0
	if len(cur) > 0 {
		mean = float64(total) / float64(len(cur))
	}
	return Stats{CellCount: len(cur), TotalDrivers: total, MeanPerCell: mean}
}
