// Package dispatch implements the C12 orchestrator: it composes
// admission, the circuit breaker, the adaptive cache, the spatial index,
// the matcher, the notifier, and the threat meter into the single
// request-driven dispatch(order, context) operation spec §6 names.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"dispatch/internal/admission"
	"dispatch/internal/breaker"
	"dispatch/internal/collab"
	"dispatch/internal/domain"
	"dispatch/internal/matcher"
	"dispatch/internal/notifier"
	"dispatch/internal/spatial"
	"dispatch/internal/threat"
	"dispatch/pkg/apperror"
	"dispatch/pkg/cache"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
	"dispatch/pkg/telemetry"
)

const defaultRadiusMiles = 5.0

// Orchestrator is the C12 component.
type Orchestrator struct {
	Admission *admission.Manager
	Breaker   *breaker.Manager
	Cache     *cache.AdaptiveCache
	Index     *spatial.Index
	Threat    *threat.Meter
	Notifier  *notifier.Facade

	DriverSource     collab.DriverSource
	PerformanceStore collab.PerformanceStore
	PreferenceStore  collab.PreferenceStore

	CacheBaseMinutes int
	RadiusMiles      float64
	BreakerConfig    breaker.Config
}

// Request is the input to Dispatch.
type Request struct {
	Order    domain.Order
	Realtime domain.RealtimeContext
}

// driverSetKey derives the C3 cache key for the candidate pool from the
// vendor and the round; Order carries no zone, so the key has no zone
// part. Round is collapsed to the current minute bucket so concurrent
// dispatches against the same vendor within a minute share one fetch.
func driverSetKey(order domain.Order, now time.Time) string {
	return fmt.Sprintf("drivers:vendor:%s:round:%d", order.VendorID, now.Unix()/60)
}

// Dispatch runs the full pipeline for one order: admission, circuit
// breaker, cached driver lookup, radius query, ranking, pick, notify,
// and threat scoring.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (domain.MatchResult, error) {
	start := time.Now()

	radius := o.RadiusMiles
	if radius <= 0 {
		radius = defaultRadiusMiles
	}
	ctx, span := telemetry.StartSpan(ctx, "dispatch.order")
	span.SetAttributes(telemetry.DispatchAttributes(req.Order.ID, req.Order.VendorID, radius)...)
	defer span.End()

	if o.Threat != nil && o.Threat.IsSuspended(req.Order.AuthorID) {
		err := apperror.New(apperror.CodeSuspended, "subject is suspended").WithDetails("subject", req.Order.AuthorID)
		telemetry.SetError(ctx, err)
		return domain.MatchResult{}, err
	}

	var result domain.MatchResult
	var candidateCount int
	err := admission.WithResources(ctx, o.Admission,
		[]admission.Requirement{{Resource: admission.ResourceActiveDispatch, N: 1}},
		func(ctx context.Context) error {
			r, n, err := o.runUnderBreaker(ctx, req)
			result, candidateCount = r, n
			return err
		},
	)

	o.recordThreat(ctx, req)

	status := "success"
	if err != nil {
		status = "error"
		metrics.Get().RecordDispatch(req.Order.VendorID, false, time.Since(start), candidateCount, 0)
	} else {
		metrics.Get().RecordDispatch(req.Order.VendorID, true, time.Since(start), candidateCount, result.Score)
	}
	logger.Log.Info("dispatch completed", "order_id", req.Order.ID, "vendor_id", req.Order.VendorID, "status", status)

	if err != nil {
		telemetry.SetError(ctx, err)
		return domain.MatchResult{}, classify(err)
	}
	span.SetAttributes(telemetry.MatchAttributes(result.DriverID, result.Score, candidateCount)...)
	return result, nil
}

// matchOutcome carries the candidate count alongside the match result so
// it survives the generic breaker.Run boundary for metrics purposes.
type matchOutcome struct {
	result     domain.MatchResult
	candidates int
}

func (o *Orchestrator) runUnderBreaker(ctx context.Context, req Request) (domain.MatchResult, int, error) {
	outcome, err := breaker.Run(ctx, o.Breaker, "dispatch", req.Order.VendorID, o.BreakerConfig,
		func(ctx context.Context) (matchOutcome, error) {
			return o.matchOnce(ctx, req)
		},
	)
	return outcome.result, outcome.candidates, err
}

func (o *Orchestrator) matchOnce(ctx context.Context, req Request) (matchOutcome, error) {
	drivers, err := o.loadDriverSet(ctx, req.Order)
	if err != nil {
		return matchOutcome{}, err
	}

	radius := o.RadiusMiles
	if radius <= 0 {
		radius = defaultRadiusMiles
	}

	candidates := o.Index.Near(req.Order.VendorLat, req.Order.VendorLon, radius)

	if len(candidates) == 0 {
		return matchOutcome{candidates: 0}, apperror.ErrNoCandidates
	}

	o.attachPerformance(ctx, candidates)
	prefs, _ := o.PreferenceStore.Customer(ctx, req.Order.AuthorID)

	ranked := matcher.Rank(req.Order, candidates, matcher.Context{
		Preferences: prefs,
		Realtime:    req.Realtime,
		Now:         time.Now(),
	})

	if len(ranked) == 0 {
		return matchOutcome{candidates: len(candidates)}, apperror.ErrNoCandidates
	}

	top := ranked[0]
	o.notifyDriver(ctx, top, req.Order)

	_ = drivers // upserted already inside loadDriverSet's loader

	return matchOutcome{
		result:     domain.MatchResult{DriverID: top.ID, Score: top.MatchScore},
		candidates: len(candidates),
	}, nil
}

// loadDriverSet is the C3 getOrLoad call: a cache hit returns the prior
// driver set; a miss fetches from DriverSource and upserts the spatial
// index before caching the IDs fetched.
func (o *Orchestrator) loadDriverSet(ctx context.Context, order domain.Order) ([]string, error) {
	key := driverSetKey(order, time.Now())
	baseMinutes := o.CacheBaseMinutes
	if baseMinutes <= 0 {
		baseMinutes = 2
	}

	var ids []string
	_, err := o.Cache.GetOrLoad(ctx, key, func(ctx context.Context) (any, error) {
		drivers, err := o.DriverSource.ListCandidates(ctx, order, nil)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeTransient, "failed to list driver candidates")
		}
		o.Index.Upsert(drivers)

		fetched := make([]string, len(drivers))
		for i, d := range drivers {
			fetched[i] = d.ID
		}
		return fetched, nil
	}, baseMinutes, &ids)

	return ids, err
}

// attachPerformance loads each candidate's 30-day rollup before ranking
// begins, so the matcher remains pure relative to the snapshot.
func (o *Orchestrator) attachPerformance(ctx context.Context, candidates []domain.Driver) {
	if o.PerformanceStore == nil {
		return
	}
	from := time.Now().Add(-30 * 24 * time.Hour)
	for i := range candidates {
		agg, err := o.PerformanceStore.FetchWindow(ctx, candidates[i].ID, from)
		if err != nil {
			logger.Log.Warn("failed to fetch performance window", "driver_id", candidates[i].ID, "error", err)
			continue
		}
		candidates[i].Performance = agg
	}
}

func (o *Orchestrator) notifyDriver(ctx context.Context, d domain.Driver, order domain.Order) {
	if o.Notifier == nil {
		return
	}
	_, _ = o.Notifier.Send(ctx, notifier.Recipient{ID: d.ID}, notifier.Message{
		Title:    "new delivery assignment",
		Body:     order.ID,
		Severity: notifier.SeverityNormal,
	}, []notifier.Channel{notifier.ChannelPush})
}

func (o *Orchestrator) recordThreat(ctx context.Context, req Request) {
	if o.Threat == nil {
		return
	}
	o.Threat.Score(ctx, req.Order.AuthorID, "dispatch_order", req.Realtime)
}

// classify maps internal errors onto the spec §4.12 surfacing rules:
// NoDrivers, ResourceExhausted, and CircuitOpen pass through; anything
// else becomes a generic Internal failure with detail retained only in
// logs.
func classify(err error) error {
	switch apperror.Code(err) {
	case apperror.CodeNoCandidates, apperror.CodeResourceExhausted, apperror.CodeCircuitOpen:
		return err
	default:
		logger.Log.Error("dispatch failed", "error", err)
		return apperror.Wrap(err, apperror.CodeInternal, "dispatch failed")
	}
}
