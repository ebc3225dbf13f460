package reports

import (
	"math"
	"time"

	"dispatch/internal/admission"
	"dispatch/internal/spatial"
)

// Prediction is the predictions-topic record.
type Prediction struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timeframe string         `json:"timeframe"`
	Location  string         `json:"location,omitempty"`
	Instant   time.Time      `json:"instant"`
}

// isRushHour mirrors the matcher's realtime factor: 11-14 and 17-21
// local are the meal windows where demand spikes.
func isRushHour(t time.Time) bool {
	h := t.Hour()
	return (h >= 11 && h <= 14) || (h >= 17 && h <= 21)
}

// PredictDemand derives a near-term demand outlook from current driver
// supply and the time of day. Supply below one driver per cell during a
// rush window is flagged so operators can nudge drivers online before
// orders start failing with NoDrivers.
func PredictDemand(s spatial.Stats, now time.Time) Prediction {
	level := "normal"
	rush := isRushHour(now)
	switch {
	case rush && s.MeanPerCell < 1:
		level = "undersupplied"
	case rush:
		level = "elevated"
	case s.TotalDrivers == 0:
		level = "no_supply"
	}

	return Prediction{
		Type: "demand",
		Payload: map[string]any{
			"level":         level,
			"rush_hour":     rush,
			"driver_supply": s.TotalDrivers,
			"covered_cells": s.CellCount,
			"mean_per_cell": s.MeanPerCell,
		},
		Timeframe: "next_hour",
		Instant:   now,
	}
}

// PredictUtilization projects each resource counter forward: current
// utilization, nudged up 25% entering a rush window so limits that are
// already warm read as at-risk before they saturate.
func PredictUtilization(resources []admission.Snapshot, now time.Time) Prediction {
	perResource := make(map[string]any, len(resources))
	rush := isRushHour(now)

	for _, r := range resources {
		if r.Limit <= 0 {
			continue
		}
		current := float64(r.Current) / float64(r.Limit) * 100
		projected := current
		if rush {
			projected *= 1.25
		}
		if projected > 100 {
			projected = 100
		}
		perResource[string(r.Resource)] = map[string]any{
			"current_pct":   round2(current),
			"projected_pct": round2(projected),
			"at_risk":       projected >= 80,
		}
	}

	return Prediction{
		Type:      "utilization",
		Payload:   map[string]any{"resources": perResource, "rush_hour": rush},
		Timeframe: "next_30m",
		Instant:   now,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
