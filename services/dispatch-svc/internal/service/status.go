package service

import (
	"context"
	"time"

	"dispatch/internal/admission"
	"dispatch/internal/breaker"
	"dispatch/internal/perfmeter"
	"dispatch/internal/reports"
	"dispatch/internal/scheduler"
	"dispatch/internal/spatial"
	"dispatch/internal/threat"
	"dispatch/pkg/cache"
)

// StatusSource collects the live snapshots every operator-facing endpoint
// draws from, so the JSON and XLSX views stay in lockstep.
type StatusSource struct {
	Performance *perfmeter.Meter
	Breaker     *breaker.Manager
	Admission   *admission.Manager
	Spatial     *spatial.Index
	Scheduler   *scheduler.Scheduler
	Cache       cache.Cache
	Threat      *threat.Meter
}

// Collect builds one reports.Snapshot from the live components.
func (s *StatusSource) Collect(ctx context.Context) reports.Snapshot {
	snap := reports.Snapshot{GeneratedAt: time.Now()}
	if s.Performance != nil {
		snap.Performance = s.Performance.Report()
	}
	if s.Breaker != nil {
		snap.Breakers = s.Breaker.Snapshots()
	}
	if s.Admission != nil {
		snap.Resources = s.Admission.Snapshots()
	}
	if s.Spatial != nil {
		snap.Spatial = s.Spatial.Stats()
	}
	if s.Scheduler != nil {
		snap.Jobs = s.Scheduler.Snapshots()
	}
	if s.Cache != nil {
		if stats, err := s.Cache.Stats(ctx); err == nil {
			snap.Cache = stats
		}
	}
	if s.Threat != nil {
		snap.Threat = s.Threat.Snapshot()
		snap.ThreatLog = s.Threat.RecentResults()
	}
	return snap
}
