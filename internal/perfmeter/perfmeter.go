// Package perfmeter implements the C6 performance meter: a per-operation
// timing/outcome ring buffer, threshold-triggered alerts forwarded to the
// notifier, and aggregate health reporting.
package perfmeter

import (
	"context"
	"runtime"
	"sync"
	"time"

	"dispatch/internal/notifier"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
)

const (
	ringCap           = 200
	ringTrimTo        = 100
	defaultAlertMs    = 5000
	defaultAlertBytes = 128 * 1024 * 1024
	maxStackChars     = 500
	maxRecentErrors   = 5
)

// Sample is one recorded outcome of a measured operation.
type Sample struct {
	Duration   time.Duration
	MemDelta   int64
	Success    bool
	ErrMessage string
	At         time.Time
}

// HealthBucket is the coarse system-health classification derived from
// recent error rate, average duration, and current memory pressure.
type HealthBucket string

const (
	HealthGood     HealthBucket = "GOOD"
	HealthFair     HealthBucket = "FAIR"
	HealthWarning  HealthBucket = "WARNING"
	HealthCritical HealthBucket = "CRITICAL"
)

// Config tunes the alert thresholds; zero values fall back to the spec
// defaults (5000ms, 128MiB).
type Config struct {
	ResponseTimeAlertMs int64
	MemoryAlertBytes    int64
	HeapLimitBytes      int64
}

// Meter is the C6 component. One Meter instance is shared across every
// call site; per-operation state lives in the internal ring map.
type Meter struct {
	cfg      Config
	notifier *notifier.Facade

	mu     sync.Mutex
	rings  map[string][]Sample

	nowFn func() time.Time
}

// New returns a Meter that forwards threshold alerts through n (may be
// nil, in which case alerts are only logged).
func New(cfg Config, n *notifier.Facade) *Meter {
	if cfg.ResponseTimeAlertMs == 0 {
		cfg.ResponseTimeAlertMs = defaultAlertMs
	}
	if cfg.MemoryAlertBytes == 0 {
		cfg.MemoryAlertBytes = defaultAlertBytes
	}
	return &Meter{
		cfg:      cfg,
		notifier: n,
		rings:    make(map[string][]Sample),
		nowFn:    time.Now,
	}
}

// Measure runs fn, recording duration, memory delta, and outcome under op.
// On success it checks the alert thresholds and, if exceeded, emits a
// typed alert to the notifier with severity "normal" on channels
// email,chat. On failure the error is recorded (message truncated to 500
// chars) and propagated unchanged.
func (m *Meter) Measure(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := m.nowFn()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	err := fn(ctx)

	duration := m.nowFn().Sub(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	memDelta := int64(after.Alloc) - int64(before.Alloc)

	sample := Sample{Duration: duration, MemDelta: memDelta, At: m.nowFn(), Success: err == nil}
	if err != nil {
		sample.ErrMessage = truncate(err.Error(), maxStackChars)
	}

	m.record(op, sample)
	metrics.Get().JobDuration.WithLabelValues(op).Observe(duration.Seconds())

	if err == nil {
		m.checkAlert(ctx, op, duration, memDelta)
	}

	return err
}

func (m *Meter) record(op string, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.rings[op], s)
	if len(ring) > ringCap {
		ring = append([]Sample{}, ring[len(ring)-ringTrimTo:]...)
	}
	m.rings[op] = ring
}

func (m *Meter) checkAlert(ctx context.Context, op string, duration time.Duration, memDelta int64) {
	exceeded := duration.Milliseconds() > m.cfg.ResponseTimeAlertMs || memDelta > m.cfg.MemoryAlertBytes
	if !exceeded {
		return
	}

	logger.Log.Warn("performance alert", "op", op, "duration_ms", duration.Milliseconds(), "mem_delta", memDelta)

	if m.notifier == nil {
		return
	}
	_, _ = m.notifier.Send(ctx, notifier.Recipient{Role: "admin"}, notifier.Message{
		Title:    "performance alert",
		Body:     op,
		Severity: notifier.SeverityNormal,
	}, []notifier.Channel{notifier.ChannelEmail, notifier.ChannelChat})
}

// OpReport aggregates the ring for a single operation.
type OpReport struct {
	Op           string
	Count        int
	SuccessRate  float64
	MeanDuration time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
	MeanMemDelta int64
	RecentErrors []string
}

// Report is the full status snapshot: a per-operation breakdown plus an
// overall system-health bucket.
type Report struct {
	Ops    []OpReport
	Health HealthBucket
}

// Report builds the aggregate report across every measured operation.
func (m *Meter) Report() Report {
	m.mu.Lock()
	snapshot := make(map[string][]Sample, len(m.rings))
	for op, ring := range m.rings {
		snapshot[op] = append([]Sample{}, ring...)
	}
	m.mu.Unlock()

	var ops []OpReport
	var totalErrors, totalSamples int
	var totalDurationMs float64
	now := m.nowFn()

	for op, ring := range snapshot {
		ops = append(ops, buildOpReport(op, ring))
		for _, s := range ring {
			if now.Sub(s.At) <= time.Hour {
				totalSamples++
				totalDurationMs += float64(s.Duration.Milliseconds())
				if !s.Success {
					totalErrors++
				}
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	health := classifyHealth(totalErrors, totalSamples, totalDurationMs, int64(mem.Alloc), m.cfg.HeapLimitBytes)

	return Report{Ops: ops, Health: health}
}

func buildOpReport(op string, ring []Sample) OpReport {
	r := OpReport{Op: op, Count: len(ring)}
	if len(ring) == 0 {
		return r
	}

	var success int
	var sumDuration, sumMem int64
	r.MinDuration = ring[0].Duration
	r.MaxDuration = ring[0].Duration

	for _, s := range ring {
		if s.Success {
			success++
		}
		sumDuration += s.Duration.Nanoseconds()
		sumMem += s.MemDelta
		if s.Duration < r.MinDuration {
			r.MinDuration = s.Duration
		}
		if s.Duration > r.MaxDuration {
			r.MaxDuration = s.Duration
		}
		if s.ErrMessage != "" {
			r.RecentErrors = append(r.RecentErrors, s.ErrMessage)
		}
	}

	r.SuccessRate = float64(success) / float64(len(ring))
	r.MeanDuration = time.Duration(sumDuration / int64(len(ring)))
	r.MeanMemDelta = sumMem / int64(len(ring))

	if len(r.RecentErrors) > maxRecentErrors {
		r.RecentErrors = r.RecentErrors[len(r.RecentErrors)-maxRecentErrors:]
	}

	return r
}

func classifyHealth(errors, samples int, totalDurationMs float64, heapAlloc, heapLimit int64) HealthBucket {
	errorRate := 0.0
	avgDuration := 0.0
	if samples > 0 {
		errorRate = float64(errors) / float64(samples)
		avgDuration = totalDurationMs / float64(samples)
	}

	memPressure := 0.0
	if heapLimit > 0 {
		memPressure = float64(heapAlloc) / float64(heapLimit)
	}

	switch {
	case errorRate > 0.25 || avgDuration > 5000 || memPressure > 0.95:
		return HealthCritical
	case errorRate > 0.1 || avgDuration > 2000 || memPressure > 0.8:
		return HealthWarning
	case errorRate > 0.02 || avgDuration > 500:
		return HealthFair
	default:
		return HealthGood
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
