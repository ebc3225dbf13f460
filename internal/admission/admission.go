// Package admission implements the C8 resource admission layer: counted
// semaphores over a fixed set of resource types, a scoped acquire/release
// helper, and a periodic sampler that reacts to memory pressure with an
// emergency cleanup.
package admission

import (
	"context"
	"runtime"
	"sync"
	"time"

	"dispatch/pkg/apperror"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
)

// ResourceType names one of the fixed counted resources.
type ResourceType string

const (
	ResourceActiveDispatch ResourceType = "activeDispatch"
	ResourceHeapBytes      ResourceType = "heapBytes"
	ResourceCPUPercent     ResourceType = "cpuPct"
	ResourceDBConns        ResourceType = "dbConns"
)

// Limits is the fixed set of resource ceilings, defaulting to spec §6's
// values.
type Limits struct {
	ActiveDispatch int64
	HeapBytes      int64
	CPUPercent     int64
	DBConns        int64
}

// DefaultLimits returns activeDispatch=100, heapBytes=512MiB, cpuPct=80,
// dbConns=50.
func DefaultLimits() Limits {
	return Limits{ActiveDispatch: 100, HeapBytes: 512 * 1024 * 1024, CPUPercent: 80, DBConns: 50}
}

type counter struct {
	mu      sync.Mutex
	current int64
	limit   int64
}

func (c *counter) tryAcquire(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current+n > c.limit {
		return false
	}
	c.current += n
	return true
}

func (c *counter) release(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current -= n
	if c.current < 0 {
		c.current = 0
	}
}

func (c *counter) snapshot() (current, limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.limit
}

func (c *counter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = 0
}

// CleanupFn is called on emergency cleanup (heap pressure, or an operator
// "emergency cleanup" request): it clears cache and spatial-index state.
type CleanupFn func()

// PressureCallback is invoked when activeDispatch is exhausted so the
// orchestrator can prioritize high-value pending orders.
type PressureCallback func(resource ResourceType)

// Sink persists resource_alerts per spec §6.
type Sink interface {
	AppendAudit(ctx context.Context, topic string, record any) error
}

// Manager is the C8 component.
type Manager struct {
	counters map[ResourceType]*counter
	sink     Sink
	onPressure PressureCallback
	cleanup    CleanupFn
}

// New builds a Manager with limits and an optional sink/pressure callback.
func New(limits Limits, sink Sink, onPressure PressureCallback) *Manager {
	return &Manager{
		counters: map[ResourceType]*counter{
			ResourceActiveDispatch: {limit: limits.ActiveDispatch},
			ResourceHeapBytes:      {limit: limits.HeapBytes},
			ResourceCPUPercent:     {limit: limits.CPUPercent},
			ResourceDBConns:        {limit: limits.DBConns},
		},
		sink:       sink,
		onPressure: onPressure,
	}
}

// SetCleanup wires the emergency-cleanup callback (clearing C2/C3 and the
// spatial index) invoked when the heap sampler trips.
func (m *Manager) SetCleanup(fn CleanupFn) { m.cleanup = fn }

// ResourceAlert is the resource_alerts record.
type ResourceAlert struct {
	Type         string
	ResourceType ResourceType
	Current      int64
	Limit        int64
	Requested    int64
	At           time.Time
}

// Handle releases the acquired units when the scoped operation completes.
type Handle struct {
	resource ResourceType
	n        int64
	m        *Manager
}

// Release decrements the resource counter by the amount acquired.
func (h *Handle) Release() {
	h.m.counters[h.resource].release(h.n)
	metrics.Get().RecordResourceUsage(string(h.resource), int(curOf(h.m.counters[h.resource])))
}

func curOf(c *counter) int64 {
	cur, _ := c.snapshot()
	return cur
}

// Acquire atomically checks current+n<=limit and increments; on
// exhaustion it records an alert, logs a critical action, and — for
// activeDispatch — fires the pressure callback, then returns
// ResourceExhausted.
func (m *Manager) Acquire(ctx context.Context, resource ResourceType, n int64) (*Handle, error) {
	c, ok := m.counters[resource]
	if !ok {
		return nil, apperror.New(apperror.CodeInvalidArgument, "unknown resource type").WithField(string(resource))
	}

	if !c.tryAcquire(n) {
		cur, limit := c.snapshot()
		m.onExhausted(ctx, resource, cur, limit, n)
		return nil, apperror.New(apperror.CodeResourceExhausted, "resource limit reached").
			WithDetails("resource", string(resource))
	}

	metrics.Get().RecordResourceUsage(string(resource), int(curOf(c)))
	return &Handle{resource: resource, n: n, m: m}, nil
}

func (m *Manager) onExhausted(ctx context.Context, resource ResourceType, current, limit, requested int64) {
	metrics.Get().RecordResourceRejected(string(resource))
	logger.Log.Error("resource exhausted", "resource", resource, "current", current, "limit", limit, "requested", requested)

	if m.sink != nil {
		_ = m.sink.AppendAudit(ctx, "resource_alerts", ResourceAlert{
			Type: "exhausted", ResourceType: resource, Current: current, Limit: limit, Requested: requested, At: time.Now(),
		})
	}

	if resource == ResourceActiveDispatch && m.onPressure != nil {
		m.onPressure(resource)
	}
}

// Requirement is one (resourceType -> n) entry for WithResources.
type Requirement struct {
	Resource ResourceType
	N        int64
}

// WithResources acquires every requirement in declaration order, runs fn,
// and releases in reverse order on every exit path, including panics
// propagated up through fn.
func WithResources(ctx context.Context, m *Manager, reqs []Requirement, fn func(ctx context.Context) error) error {
	handles := make([]*Handle, 0, len(reqs))

	defer func() {
		for i := len(handles) - 1; i >= 0; i-- {
			handles[i].Release()
		}
	}()

	for _, req := range reqs {
		h, err := m.Acquire(ctx, req.Resource, req.N)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	return fn(ctx)
}

// Sample refreshes heap/cpu/db counters from runtime stats (heap/cpu) and
// an externally supplied db-conn count, and triggers emergency cleanup
// when heap exceeds its limit.
func (m *Manager) Sample(dbConnsInUse int64, cpuPercent int64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	heapCounter := m.counters[ResourceHeapBytes]
	heapCounter.mu.Lock()
	heapCounter.current = int64(stats.Alloc)
	over := heapCounter.current > heapCounter.limit
	limit := heapCounter.limit
	cur := heapCounter.current
	heapCounter.mu.Unlock()
	metrics.Get().RecordResourceUsage(string(ResourceHeapBytes), int(cur))

	cpuCounter := m.counters[ResourceCPUPercent]
	cpuCounter.mu.Lock()
	cpuCounter.current = cpuPercent
	cpuCounter.mu.Unlock()
	metrics.Get().RecordResourceUsage(string(ResourceCPUPercent), int(cpuPercent))

	dbCounter := m.counters[ResourceDBConns]
	dbCounter.mu.Lock()
	dbCounter.current = dbConnsInUse
	dbCounter.mu.Unlock()
	metrics.Get().RecordResourceUsage(string(ResourceDBConns), int(dbConnsInUse))

	if over {
		logger.Log.Error("heap pressure triggered emergency cleanup", "current", cur, "limit", limit)
		if m.cleanup != nil {
			m.cleanup()
		}
	}
}

// Snapshot is the read-only status the manager publishes for operators.
type Snapshot struct {
	Resource ResourceType
	Current  int64
	Limit    int64
}

// Snapshots returns current/limit for every resource type.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.counters))
	for resource, c := range m.counters {
		cur, limit := c.snapshot()
		out = append(out, Snapshot{Resource: resource, Current: cur, Limit: limit})
	}
	return out
}

// ResetAll zeroes every counter; used by the emergency-cleanup path's
// callers if they also want admission state wiped (not invoked by Sample
// itself, which only resets cache/spatial state per spec §4.8).
func (m *Manager) ResetAll() {
	for _, c := range m.counters {
		c.reset()
	}
}
