// Package main is the entry point for the dispatch-svc microservice.
//
// dispatch-svc answers the single question an on-demand delivery platform
// asks thousands of times a minute: which driver should this order go to,
// right now? It composes the spatial index, the weighted matcher, the
// adaptive driver-set cache, the circuit breaker, the resource admission
// layer, and the threat meter into one request-driven HTTP endpoint, plus
// a set of operator status/report endpoints over the same components.
//
// # Service Overview
//
// dispatch-svc exposes the following over HTTP (chi router):
//
//	POST /v1/dispatch           - run the dispatch pipeline for one order
//	GET  /v1/status             - JSON snapshot of every C6-C10 component
//	GET  /v1/status/report.xlsx - the same snapshot as an operator workbook
//	GET  /health, /ready        - liveness/readiness probes
//	GET  /metrics               - Prometheus exposition
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                      HTTP Transport Layer                    │
//	│  Middleware: logging, metrics, CORS, rate-limit              │
//	├─────────────────────────────────────────────────────────────┤
//	│                      Service Layer                          │
//	│  (internal/service/handlers.go - Handler)                    │
//	│  - Request decode/encode, error classification               │
//	├─────────────────────────────────────────────────────────────┤
//	│                    Orchestrator Layer (C12)                  │
//	│  (internal/dispatch/dispatch.go - Orchestrator)              │
//	│  - Admission -> circuit breaker -> cache -> spatial -> match  │
//	├─────────────────────────────────────────────────────────────┤
//	│   C3 Cache   C4 Spatial   C5 Matcher   C7 Breaker   C8 Res.  │
//	│   C9 Threat  C10 Scheduler  C11 Notifier  C6 Perfmeter       │
//	└─────────────────────────────────────────────────────────────┘
//
// # Configuration
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (prefix: DISPATCH_)
//  2. Config files (config.yaml, config/config.yaml, /etc/dispatch/config.yaml)
//  3. Default values (pkg/config/loader.go)
//
// Key configuration options (environment variable format):
//
//	# Application
//	DISPATCH_APP_NAME, DISPATCH_APP_VERSION, DISPATCH_APP_ENVIRONMENT
//
//	# HTTP server
//	DISPATCH_HTTP_PORT              - HTTP listen port (default: 8080)
//	DISPATCH_HTTP_READ_TIMEOUT      - default: 10s
//	DISPATCH_HTTP_WRITE_TIMEOUT     - default: 10s
//	DISPATCH_HTTP_SHUTDOWN_TIMEOUT  - default: 15s
//	DISPATCH_HTTP_CORS_ENABLED      - default: true
//
//	# Dispatch core tunables (spec §6)
//	DISPATCH_DISPATCH_CACHE_BASE_MINUTES
//	DISPATCH_DISPATCH_SPATIAL_GRID_DEGREES
//	DISPATCH_DISPATCH_CIRCUIT_MAX_FAILURES
//	DISPATCH_DISPATCH_SCHEDULER_MAX_CONCURRENT_JOBS
//	DISPATCH_DISPATCH_THREAT_ACTION_THRESHOLDS_*
//
//	# Caching
//	DISPATCH_CACHE_ENABLED, DISPATCH_CACHE_DRIVER (memory, redis)
//
//	# Tracing (OpenTelemetry)
//	DISPATCH_TRACING_ENABLED, DISPATCH_TRACING_ENDPOINT
//
//	# Metrics (Prometheus)
//	DISPATCH_METRICS_ENABLED, DISPATCH_METRICS_PORT
//
//	# Rate limiting
//	DISPATCH_RATE_LIMIT_ENABLED, DISPATCH_RATE_LIMIT_BACKEND
//
//	# Audit logging
//	DISPATCH_AUDIT_ENABLED, DISPATCH_AUDIT_BACKEND (stdout, file, postgres)
//
//	# Notifier
//	DISPATCH_NOTIFIER_SLACK_BOT_TOKEN
//
// # Graceful Shutdown
//
// The service handles SIGINT and SIGTERM:
//  1. Stops accepting new HTTP connections (http.Server.Shutdown)
//  2. Waits for in-flight requests up to http.shutdown_timeout
//  3. Stops the background scheduler (C10)
//  4. Flushes telemetry and closes the cache/rate-limiter/database
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"dispatch/pkg/config"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
	"dispatch/pkg/telemetry"
	svcmiddleware "dispatch/services/dispatch-svc/internal/middleware"
	"dispatch/services/dispatch-svc/internal/service"
)

func main() {
	// =====================================================================
	// Configuration Loading
	// =====================================================================
	cfg, err := config.LoadWithServiceDefaults("dispatch-svc", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Init("error")
		logger.Fatal("invalid config", "error", err)
	}

	// =====================================================================
	// Logger Initialization
	// =====================================================================
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	logger.Log.Info("starting dispatch-svc",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =====================================================================
	// Telemetry Initialization (OpenTelemetry)
	// =====================================================================
	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("failed to init telemetry", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Log.Warn("failed to shutdown telemetry", "error", err)
				}
			}()
		}
	}

	// =====================================================================
	// Metrics Initialization (Prometheus)
	// =====================================================================
	metrics.InitMetrics(cfg.Metrics.Namespace, cfg.App.Name)
	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.HTTP.Port {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	// =====================================================================
	// Component Construction (cache, spatial index, admission, breaker,
	// threat meter, notifier, scheduler, orchestrator)
	// =====================================================================
	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		logger.Log.Error("failed to build components", "error", err)
		os.Exit(1)
	}
	defer comps.Close()

	comps.scheduler.Start(ctx)

	// =====================================================================
	// HTTP Router
	// =====================================================================
	statusSource := &service.StatusSource{
		Performance: comps.perfMeter,
		Breaker:     comps.breakerMgr,
		Admission:   comps.admissionMgr,
		Spatial:     comps.spatialIdx,
		Scheduler:   comps.scheduler,
		Cache:       comps.cacheBase,
		Threat:      comps.threatMeter,
	}
	handler := service.NewHandler(comps.orchestrator, statusSource)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if cfg.Tracing.Enabled {
		r.Use(telemetry.HTTPMiddleware(func(req *http.Request) string {
			return chi.RouteContext(req.Context()).RoutePattern()
		}))
	}
	r.Use(svcmiddleware.Logging)
	r.Use(svcmiddleware.Metrics(func(req *http.Request) string {
		return chi.RouteContext(req.Context()).RoutePattern()
	}))
	if cfg.HTTP.CORS.Enabled {
		r.Use(svcmiddleware.CORS(cfg.HTTP.CORS))
	}

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			r.Use(svcmiddleware.RateLimit(comps.rateLimiter, "dispatch", nil))
		}
		r.Post("/v1/dispatch", handler.Dispatch)
	})

	r.Get("/v1/status", handler.StatusSnapshot)
	r.Get("/v1/status/report.xlsx", handler.StatusReport)

	// =====================================================================
	// HTTP Server + Graceful Shutdown
	// =====================================================================
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("dispatch-svc listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown error", "error", err)
	}

	logger.Log.Info("server stopped")
}
