package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"dispatch/internal/admission"
	"dispatch/internal/breaker"
	"dispatch/internal/collab"
	"dispatch/internal/dispatch"
	"dispatch/internal/domain"
	"dispatch/internal/notifier"
	"dispatch/internal/perfmeter"
	"dispatch/internal/reports"
	"dispatch/internal/scheduler"
	"dispatch/internal/sink"
	"dispatch/internal/spatial"
	"dispatch/internal/threat"
	"dispatch/pkg/audit"
	"dispatch/pkg/cache"
	"dispatch/pkg/config"
	"dispatch/pkg/database"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
	"dispatch/pkg/ratelimit"
)

// components is every long-lived object main() wires together: the
// dispatch core plus everything the HTTP layer and the background
// scheduler need a handle to.
type components struct {
	db          *database.PostgresDB
	auditSink   sink.Sink
	cacheBase   cache.Cache
	adaptive    *cache.AdaptiveCache
	spatialIdx  *spatial.Index
	admissionMgr *admission.Manager
	breakerMgr  *breaker.Manager
	perfMeter   *perfmeter.Meter
	threatMeter *threat.Meter
	notifierFacade *notifier.Facade
	rateLimiter ratelimit.Limiter
	scheduler   *scheduler.Scheduler
	orchestrator *dispatch.Orchestrator
}

// buildComponents constructs every component in the order each one's
// constructor needs its dependencies: sink, then the C6-C11 layers, then
// the C12 orchestrator that composes them, mirroring the teacher's
// config -> logger -> telemetry -> ... -> server factory flow.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	if cfg.Audit.Backend == "postgres" {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		if cfg.Database.AutoMigrate {
			if err := sink.Migrate(ctx, db.Pool(), &cfg.Database); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		c.auditSink = sink.NewPostgres(db)
		logger.Log.Info("audit sink backed by postgres")
	} else {
		auditLogger, err := buildAuditLogger(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build audit logger: %w", err)
		}
		c.auditSink = sink.New(auditLogger, cfg.App.Name)
	}

	baseCache, err := cache.New(cache.FromConfig(&cfg.Cache))
	if err != nil {
		return nil, fmt.Errorf("failed to build cache backend: %w", err)
	}
	c.cacheBase = baseCache
	c.adaptive = cache.NewAdaptiveCache(baseCache)

	c.spatialIdx = spatial.NewWithParams(
		cfg.Dispatch.SpatialGridDegrees,
		time.Duration(cfg.Dispatch.DriverLivenessMinutes)*time.Minute,
	)

	notifierAdapters := map[notifier.Channel]notifier.Adapter{
		notifier.ChannelPush:    notifier.NewNoopAdapter(notifier.ChannelPush),
		notifier.ChannelSMS:     notifier.NewNoopAdapter(notifier.ChannelSMS),
		notifier.ChannelEmail:   notifier.NewNoopAdapter(notifier.ChannelEmail),
		notifier.ChannelWebhook: notifier.NewNoopAdapter(notifier.ChannelWebhook),
	}
	if cfg.Notifier.SlackBotToken != "" {
		notifierAdapters[notifier.ChannelChat] = notifier.NewSlackAdapter(cfg.Notifier.SlackBotToken)
	} else {
		notifierAdapters[notifier.ChannelChat] = notifier.NewNoopAdapter(notifier.ChannelChat)
	}
	c.notifierFacade = notifier.New(notifierAdapters, c.auditSink)

	c.admissionMgr = admission.New(admission.Limits{
		ActiveDispatch: cfg.Dispatch.ResourceLimits.ActiveDispatch,
		HeapBytes:      cfg.Dispatch.ResourceLimits.HeapBytes,
		CPUPercent:     cfg.Dispatch.ResourceLimits.CPUPercent,
		DBConns:        cfg.Dispatch.ResourceLimits.DBConns,
	}, c.auditSink, func(resource admission.ResourceType) {
		// Pressure signal: dispatch admission is saturated. Order intake
		// lives outside this core, so the signal is a log line operators
		// alert on; the order service reprioritizes its pending queue.
		logger.Log.Warn("dispatch capacity exhausted, prioritize high-value pending orders", "resource", resource)
	})
	c.admissionMgr.SetCleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.cacheBase.Clear(cleanupCtx); err != nil {
			logger.Log.Error("emergency cleanup failed to clear cache", "error", err)
		}
		c.spatialIdx.Clear()
		logger.Log.Error("emergency cleanup cleared cache and spatial index")
	})

	c.perfMeter = perfmeter.New(perfmeter.Config{
		ResponseTimeAlertMs: cfg.Dispatch.ResponseTimeAlertMs,
		MemoryAlertBytes:    cfg.Dispatch.MemoryAlertBytes,
	}, c.notifierFacade)

	c.breakerMgr = breaker.NewManager(c.perfMeter)

	// IP reputation shares the cache's Redis when one is configured, so
	// every instance sees the same external blacklist set.
	var reputation threat.IPReputation = collab.NewLocalIPReputation()
	if cfg.Cache.Driver == cache.BackendRedis {
		reputation = collab.NewRedisIPReputation(redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Address(),
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		}))
	}

	c.threatMeter = threat.New(threat.Thresholds{
		Low:     cfg.Dispatch.Threat.ActionThresholds.Low,
		Medium:  cfg.Dispatch.Threat.ActionThresholds.Medium,
		High:    cfg.Dispatch.Threat.ActionThresholds.High,
		Suspend: cfg.Dispatch.Threat.ActionThresholds.Suspend,
	}, reputation, c.notifierFacade, c.auditSink)
	c.threatMeter.SetActivityStore(collab.NewMemoryActivityStore())
	c.threatMeter.SetDeviceStore(collab.NewMemoryDeviceStore())

	limiter, err := ratelimit.New(&ratelimit.Config{
		Requests:        cfg.RateLimit.Requests,
		Window:          cfg.RateLimit.Window,
		Strategy:        cfg.RateLimit.Strategy,
		Backend:         cfg.RateLimit.Backend,
		BurstSize:       cfg.RateLimit.BurstSize,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		RedisAddr:       cfg.RateLimit.RedisAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}
	// Suspended subjects are denied outright; HIGH_THREAT subjects burn 4
	// tokens per request.
	c.rateLimiter = ratelimit.NewThreatAware(limiter, c.threatMeter, 4, nil)

	c.scheduler = scheduler.New(cfg.Dispatch.Scheduler.MaxConcurrentJobs, time.Duration(cfg.Dispatch.Scheduler.TickMs)*time.Millisecond)

	driverSource := collab.NewMemoryDriverSource(nil)
	perfStore := collab.NewMemoryPerformanceStore()
	prefStore := collab.NewMemoryPreferenceStore()

	c.orchestrator = &dispatch.Orchestrator{
		Admission:        c.admissionMgr,
		Breaker:          c.breakerMgr,
		Cache:            c.adaptive,
		Index:            c.spatialIdx,
		Threat:           c.threatMeter,
		Notifier:         c.notifierFacade,
		DriverSource:     driverSource,
		PerformanceStore: perfStore,
		PreferenceStore:  prefStore,
		CacheBaseMinutes: cfg.Dispatch.CacheBaseMinutes,
		RadiusMiles:      5.0,
		BreakerConfig: breaker.Config{
			MaxFailures:  cfg.Dispatch.Circuit.MaxFailures,
			ResetTimeout: time.Duration(cfg.Dispatch.Circuit.ResetTimeoutMs) * time.Millisecond,
			Retries:      cfg.Dispatch.Circuit.Retries,
			BaseDelay:    time.Duration(cfg.Dispatch.Circuit.BaseDelayMs) * time.Millisecond,
		},
	}

	c.scheduleBackgroundJobs(cfg)

	prometheus.DefaultRegisterer.MustRegister(metrics.NewCoreCollector(
		cfg.Metrics.Namespace,
		func() metrics.SpatialStats {
			s := c.spatialIdx.Stats()
			return metrics.SpatialStats{Cells: s.CellCount, Drivers: s.TotalDrivers, MeanPerCell: s.MeanPerCell}
		},
		func() []metrics.ResourceSnapshot {
			snaps := c.admissionMgr.Snapshots()
			out := make([]metrics.ResourceSnapshot, len(snaps))
			for i, s := range snaps {
				out[i] = metrics.ResourceSnapshot{Resource: string(s.Resource), Current: s.Current, Limit: s.Limit}
			}
			return out
		},
	))

	return c, nil
}

// scheduleBackgroundJobs installs the system-job registry: every
// periodic maintenance job a long-running dispatch-svc instance carries.
func (c *components) scheduleBackgroundJobs(cfg *config.Config) {
	// Cleanup sweep: drop idle threat windows so one-off subjects don't
	// accumulate forever. Spatial staleness has its own job below.
	c.scheduler.Schedule("cleanup-sweep", func(ctx context.Context) error {
		swept := c.threatMeter.SweepIdle(24 * time.Hour)
		if swept > 0 {
			logger.Log.Info("cleanup sweep dropped idle threat windows", "count", swept)
		}
		return nil
	}, scheduler.Every30m, scheduler.DefaultOptions())

	// Performance report: persist the C6 overview plus per-op rows. The
	// Postgres sink writes them in one transaction.
	c.scheduler.Schedule("performance-report", func(ctx context.Context) error {
		report := c.perfMeter.Report()
		if batch, ok := c.auditSink.(sink.BatchSink); ok {
			records := make([]any, 0, len(report.Ops)+1)
			records = append(records, report)
			for _, op := range report.Ops {
				records = append(records, op)
			}
			return batch.AppendBatch(ctx, audit.TopicPerformanceReports, records)
		}
		return c.auditSink.AppendAudit(ctx, audit.TopicPerformanceReports, report)
	}, scheduler.Every10m, scheduler.DefaultOptions())

	// Cache preload: load the full driver set for the current round and
	// upsert the spatial index. It is cached under its own key; the
	// per-vendor keys the dispatch path reads are not filled by it.
	c.scheduler.Schedule("cache-preload", func(ctx context.Context) error {
		errs := c.adaptive.Preload(ctx, c.preloadSpecs(cfg))
		for key, err := range errs {
			logger.Log.Warn("cache preload entry failed", "key", key, "error", err)
		}
		return nil
	}, scheduler.EveryHour, scheduler.DefaultOptions())

	// Threat report: aggregate C9 state for the audit trail.
	c.scheduler.Schedule("threat-report", func(ctx context.Context) error {
		return c.auditSink.AppendAudit(ctx, audit.TopicSecurityLogs, map[string]any{
			"subject":  "threat-meter",
			"action":   "threat_report",
			"metadata": c.threatMeter.Snapshot(),
			"instant":  time.Now(),
		})
	}, scheduler.Every30m, scheduler.DefaultOptions())

	// Resource sampler: refresh heap/cpu/db counters; trips emergency
	// cleanup when heap exceeds its limit.
	c.scheduler.Schedule("resource-sample", func(ctx context.Context) error {
		var dbConns int64
		if c.db != nil {
			dbConns = c.db.ConnsInUse()
		}
		c.admissionMgr.Sample(dbConns, 0)
		return nil
	}, scheduler.Every5m, scheduler.DefaultOptions())

	// Spatial-index GC: drop drivers whose heartbeat lapsed since upsert.
	c.scheduler.Schedule("spatial-gc", func(ctx context.Context) error {
		c.spatialIdx.GCStale()
		return nil
	}, scheduler.Every10m, scheduler.DefaultOptions())

	// Demand prediction.
	c.scheduler.Schedule("demand-prediction", func(ctx context.Context) error {
		p := reports.PredictDemand(c.spatialIdx.Stats(), time.Now())
		return c.auditSink.AppendAudit(ctx, audit.TopicPredictions, p)
	}, scheduler.Trigger{Interval: 15 * time.Minute}, scheduler.DefaultOptions())

	// Utilization prediction.
	c.scheduler.Schedule("utilization-prediction", func(ctx context.Context) error {
		p := reports.PredictUtilization(c.admissionMgr.Snapshots(), time.Now())
		return c.auditSink.AppendAudit(ctx, audit.TopicPredictions, p)
	}, scheduler.Every30m, scheduler.DefaultOptions())
}

// preloadSpecs builds the critical-key preload list: the current round's
// full driver set under drivers:all:round:<minute>, fetched from the same
// DriverSource the dispatch path uses (with an empty Order).
func (c *components) preloadSpecs(cfg *config.Config) []cache.PreloadSpec {
	baseMinutes := cfg.Dispatch.CacheBaseMinutes
	if baseMinutes <= 0 {
		baseMinutes = 2
	}

	return []cache.PreloadSpec{{
		Key:         fmt.Sprintf("drivers:all:round:%d", time.Now().Unix()/60),
		BaseMinutes: baseMinutes,
		Loader: func(ctx context.Context) (any, error) {
			drivers, err := c.orchestrator.DriverSource.ListCandidates(ctx, domain.Order{}, nil)
			if err != nil {
				return nil, err
			}
			c.spatialIdx.Upsert(drivers)
			ids := make([]string, len(drivers))
			for i, d := range drivers {
				ids[i] = d.ID
			}
			return ids, nil
		},
	}}
}

// Close releases every component that owns an OS resource.
func (c *components) Close() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.cacheBase != nil {
		_ = c.cacheBase.Close()
	}
	if c.rateLimiter != nil {
		_ = c.rateLimiter.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

func buildAuditLogger(cfg *config.Config) (audit.Logger, error) {
	auditCfg := &audit.Config{
		Enabled:     cfg.Audit.Enabled,
		Backend:     cfg.Audit.Backend,
		FilePath:    cfg.Audit.FilePath,
		MaxSize:     cfg.Audit.MaxSize,
		MaxBackups:  cfg.Audit.MaxBackups,
		MaxAge:      cfg.Audit.MaxAge,
		Compress:    cfg.Audit.Compress,
		BufferSize:  cfg.Audit.BufferSize,
		FlushPeriod: cfg.Audit.FlushPeriod,
	}
	return audit.New(auditCfg)
}
