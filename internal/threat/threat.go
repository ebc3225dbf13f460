// Package threat implements the C9 threat meter: per-subject rolling
// activity windows, a four-analysis scoring pass, and threshold-driven
// incident/suspension actions.
package threat

import (
	"context"
	"sync"
	"time"

	"dispatch/internal/domain"
	"dispatch/internal/notifier"
	"dispatch/pkg/logger"
	"dispatch/pkg/metrics"
)

const (
	windowCap    = 200
	windowTrimTo = 100
)

// Thresholds are the four action thresholds from spec §6.
type Thresholds struct {
	Low     float64
	Medium  float64
	High    float64
	Suspend float64
}

// DefaultThresholds returns 30/50/75/95.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Medium: 50, High: 75, Suspend: 95}
}

// activityRecord is one (activity, instant) pair in a subject's window.
type activityRecord struct {
	activity string
	at       time.Time
}

// DeviceHistory is one device observation for a subject.
type DeviceHistory struct {
	IP          string
	UserAgent   string
	Fingerprint string
	LastSeen    time.Time
}

// DeviceStore returns recent device history for a subject; the fraud
// subscore checks IP/UA/fingerprint novelty against it.
type DeviceStore interface {
	Recent(ctx context.Context, subject string) ([]DeviceHistory, error)
}

// ActivityRecord is one (action, instant) pair from an ActivityStore.
type ActivityRecord struct {
	Action string
	At     time.Time
}

// ActivityStore returns recent persisted activity for a subject. The
// meter hydrates a cold rolling window from it, so velocity checks
// survive a process restart.
type ActivityStore interface {
	Recent(ctx context.Context, subject string, from time.Time) ([]ActivityRecord, error)
}

// IPReputation checks local-suspicious and external-blacklist sets.
type IPReputation interface {
	IsSuspiciousLocal(ip string) bool
	IsBlacklisted(ip string) bool
}

// Sink persists security_logs, security_incidents, and fraud_scores.
type Sink interface {
	AppendAudit(ctx context.Context, topic string, record any) error
}

// Meter is the C9 component.
type Meter struct {
	thresholds Thresholds
	reputation IPReputation
	notifier   *notifier.Facade
	sink       Sink

	activityStore ActivityStore
	deviceStore   DeviceStore

	mu      sync.Mutex
	windows map[string][]activityRecord
	devices map[string][]DeviceHistory // devices this process has already seen per subject
	suspended map[string]bool
	highThreat map[string]bool
	recent     []Result // bounded like the activity windows; feeds the operator report

	nowFn func() time.Time
}

// New builds a Meter. reputation, n, and sink may be nil for isolated unit
// tests of the scoring math.
func New(thresholds Thresholds, reputation IPReputation, n *notifier.Facade, sink Sink) *Meter {
	return &Meter{
		thresholds: thresholds,
		reputation: reputation,
		notifier:   n,
		sink:       sink,
		windows:    make(map[string][]activityRecord),
		devices:    make(map[string][]DeviceHistory),
		suspended:  make(map[string]bool),
		highThreat: make(map[string]bool),
		nowFn:      time.Now,
	}
}

// SetActivityStore wires the persisted-activity collaborator; a cold
// window is hydrated from it before the first score for a subject.
func (m *Meter) SetActivityStore(s ActivityStore) { m.activityStore = s }

// SetDeviceStore wires the device-history collaborator consulted by the
// fraud subscore's novelty checks.
func (m *Meter) SetDeviceStore(s DeviceStore) { m.deviceStore = s }

func (m *Meter) recordActivity(subject, activity string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := append(m.windows[subject], activityRecord{activity: activity, at: now})
	if len(w) > windowCap {
		w = append([]activityRecord{}, w[len(w)-windowTrimTo:]...)
	}
	m.windows[subject] = w
}

func (m *Meter) windowSnapshot(subject string) []activityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activityRecord{}, m.windows[subject]...)
}

// IsSuspended reports whether subject has been marked suspended by a
// prior score above the Suspend threshold.
func (m *Meter) IsSuspended(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended[subject]
}

// IsHighThreat reports whether subject has been marked HIGH_THREAT by a
// prior score above the High threshold.
func (m *Meter) IsHighThreat(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highThreat[subject]
}

// SweepIdle drops activity windows whose newest record is older than
// maxAge and returns how many subjects were swept. The cleanup sweeper
// job runs this so one-off subjects don't accumulate forever. Suspension
// and HIGH_THREAT marks survive the sweep.
func (m *Meter) SweepIdle(maxAge time.Duration) int {
	cutoff := m.nowFn().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for subject, w := range m.windows {
		if len(w) == 0 || w[len(w)-1].at.Before(cutoff) {
			delete(m.windows, subject)
			delete(m.devices, subject)
			swept++
		}
	}
	return swept
}

// Overview is the aggregate state the threat report job persists.
type Overview struct {
	TrackedSubjects    int `json:"tracked_subjects"`
	HighThreatSubjects int `json:"high_threat_subjects"`
	SuspendedSubjects  int `json:"suspended_subjects"`
}

// Snapshot returns the current aggregate state.
func (m *Meter) Snapshot() Overview {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Overview{
		TrackedSubjects:    len(m.windows),
		HighThreatSubjects: len(m.highThreat),
		SuspendedSubjects:  len(m.suspended),
	}
}

// Result is the score decomposition persisted and returned to callers.
type Result struct {
	Subject  string
	Activity string
	Score    float64
	Session  float64
	Network  float64
	Temporal float64
	Behavioral float64
	Severity string
}

// Score runs the four analyses for (subject, activity, context), clamps
// to 100, persists an audit record, records the activity in the rolling
// window, and fires threshold actions.
func (m *Meter) Score(ctx context.Context, subject, activity string, rt domain.RealtimeContext) Result {
	now := m.nowFn()
	m.hydrateWindow(ctx, subject, now)
	m.recordActivity(subject, activity, now)
	window := m.windowSnapshot(subject)

	session := sessionScore(rt)
	network := m.networkScore(rt)
	temporal := temporalScore(activity, window, now)
	behavioral := m.behavioralScore(ctx, subject, rt, window, now)
	m.recordDevice(subject, rt, now)

	total := clamp(session+network+temporal+behavioral, 0, 100)

	result := Result{
		Subject: subject, Activity: activity, Score: total,
		Session: session, Network: network, Temporal: temporal, Behavioral: behavioral,
	}

	metrics.Get().RecordThreatScore(activity, total)
	m.recordResult(result)
	m.persistFraudScore(ctx, result)
	m.applyThresholdActions(ctx, result)

	return result
}

func (m *Meter) recordResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, r)
	if len(m.recent) > windowCap {
		m.recent = append([]Result{}, m.recent[len(m.recent)-windowTrimTo:]...)
	}
}

// RecentResults returns the bounded log of recent score decompositions,
// newest last.
func (m *Meter) RecentResults() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result{}, m.recent...)
}

func sessionScore(rt domain.RealtimeContext) float64 {
	s := 0.0
	if rt.MultipleDevices {
		s += 20
	}
	if rt.RapidLocationChanges {
		s += 30
	}
	if rt.UnusualUserAgent {
		s += 15
	}
	if rt.ExcessiveFailedLogins {
		s += 25
	}
	return s
}

func (m *Meter) networkScore(rt domain.RealtimeContext) float64 {
	s := 0.0
	if m.reputation != nil && rt.ClientIP != "" {
		if m.reputation.IsSuspiciousLocal(rt.ClientIP) {
			s += 40
		}
		if m.reputation.IsBlacklisted(rt.ClientIP) {
			s += 60
		}
	}
	if rt.VPNDetected {
		s += 10
	}
	if rt.TorDetected {
		s += 35
	}
	return s
}

func temporalScore(activity string, window []activityRecord, now time.Time) float64 {
	s := 0.0
	if now.Hour() >= 0 && now.Hour() <= 5 {
		s += 15
	}
	if isRapidActionPattern(activity, window, now) {
		s += 25
	}
	return s
}

func isRapidActionPattern(activity string, window []activityRecord, now time.Time) bool {
	cutoff := now.Add(-1 * time.Minute)
	identicalCount := 0
	totalCount := 0
	for _, rec := range window {
		if rec.at.After(cutoff) {
			totalCount++
			if rec.activity == activity {
				identicalCount++
			}
		}
	}
	return identicalCount > 5 || totalCount > 15
}

func (m *Meter) behavioralScore(ctx context.Context, subject string, rt domain.RealtimeContext, window []activityRecord, now time.Time) float64 {
	s := 0.0
	if rt.AutomatedBehaviorDetected {
		s += 40
	}
	if rt.UnusualTransactionPattern {
		s += 30
	}
	s += 0.8 * m.fraudSubscore(ctx, subject, rt, window, now)
	return s
}

// fraudSubscore aggregates velocity, distinct-action-kind spread, device
// novelty, time-of-day risk, and location anomaly. Composition policy
// (Open Question (d) in spec §9): this module deliberately does double-
// count a portion of behavioral activity inside the fraud subscore, the
// same way the source mixes them — the 0.8 multiplier at the call site
// is the dampening factor that keeps the double-counted contribution
// bounded rather than additive at full weight.
func (m *Meter) fraudSubscore(ctx context.Context, subject string, rt domain.RealtimeContext, window []activityRecord, now time.Time) float64 {
	s := 0.0

	cutoff := now.Add(-5 * time.Minute)
	count := 0
	kinds := make(map[string]bool)
	for _, rec := range window {
		if rec.at.After(cutoff) {
			count++
			kinds[rec.activity] = true
		}
	}

	switch {
	case count > 10:
		s += 40
	case count > 5:
		s += 20
	}
	if len(kinds) > 8 {
		s += 30
	}

	// Device novelty against everything known for the subject: the
	// persisted history plus what this process has already seen. A
	// subject with no history at all reads as fully novel.
	knownIPs, knownUAs, knownFPs := m.knownDevices(ctx, subject)
	if rt.ClientIP != "" && !knownIPs[rt.ClientIP] {
		s += 20
	}
	if rt.UserAgent != "" && !knownUAs[rt.UserAgent] {
		s += 15
	}
	if rt.DeviceFingerprint != "" && !knownFPs[rt.DeviceFingerprint] {
		s += 25
	}

	// Time-of-day risk: small-hours activity carries a lighter weight
	// here than the temporal analysis's own +15.
	if now.Hour() >= 0 && now.Hour() <= 5 {
		s += 10
	}

	// Location anomaly: the session analysis scores the same flag at
	// +30; the dampened re-count here is deliberate (see above).
	if rt.RapidLocationChanges {
		s += 15
	}

	return clamp(s, 0, 100)
}

// knownDevices merges the DeviceStore history with devices this process
// has already observed into membership sets for the novelty checks.
func (m *Meter) knownDevices(ctx context.Context, subject string) (ips, uas, fps map[string]bool) {
	ips = make(map[string]bool)
	uas = make(map[string]bool)
	fps = make(map[string]bool)

	add := func(histories []DeviceHistory) {
		for _, h := range histories {
			if h.IP != "" {
				ips[h.IP] = true
			}
			if h.UserAgent != "" {
				uas[h.UserAgent] = true
			}
			if h.Fingerprint != "" {
				fps[h.Fingerprint] = true
			}
		}
	}

	if m.deviceStore != nil {
		if histories, err := m.deviceStore.Recent(ctx, subject); err == nil {
			add(histories)
		} else {
			logger.Log.Warn("device history lookup failed", "subject", subject, "error", err)
		}
	}

	m.mu.Lock()
	add(m.devices[subject])
	m.mu.Unlock()

	return ips, uas, fps
}

// recordDevice remembers the scored request's device so repeat traffic
// from it stops reading as novel. Bounded like the activity windows.
func (m *Meter) recordDevice(subject string, rt domain.RealtimeContext, now time.Time) {
	if rt.ClientIP == "" && rt.UserAgent == "" && rt.DeviceFingerprint == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d := append(m.devices[subject], DeviceHistory{
		IP: rt.ClientIP, UserAgent: rt.UserAgent, Fingerprint: rt.DeviceFingerprint, LastSeen: now,
	})
	if len(d) > windowCap {
		d = append([]DeviceHistory{}, d[len(d)-windowTrimTo:]...)
	}
	m.devices[subject] = d
}

// hydrateWindow seeds an empty rolling window from the ActivityStore so
// rapidity and velocity checks see persisted history after a restart.
func (m *Meter) hydrateWindow(ctx context.Context, subject string, now time.Time) {
	if m.activityStore == nil {
		return
	}

	m.mu.Lock()
	empty := len(m.windows[subject]) == 0
	m.mu.Unlock()
	if !empty {
		return
	}

	records, err := m.activityStore.Recent(ctx, subject, now.Add(-time.Hour))
	if err != nil {
		logger.Log.Warn("activity history lookup failed", "subject", subject, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.windows[subject]) > 0 {
		return
	}
	w := make([]activityRecord, 0, len(records))
	for _, rec := range records {
		w = append(w, activityRecord{activity: rec.Action, at: rec.At})
	}
	if len(w) > windowCap {
		w = append([]activityRecord{}, w[len(w)-windowTrimTo:]...)
	}
	m.windows[subject] = w
}

func (m *Meter) persistFraudScore(ctx context.Context, r Result) {
	if m.sink == nil {
		return
	}
	_ = m.sink.AppendAudit(ctx, "fraud_scores", map[string]any{
		"subject": r.Subject, "activity": r.Activity, "score": r.Score,
		"factors": map[string]float64{"session": r.Session, "network": r.Network, "temporal": r.Temporal, "behavioral": r.Behavioral},
		"instant": time.Now(),
	})
	_ = m.sink.AppendAudit(ctx, "security_logs", map[string]any{
		"subject": r.Subject, "action": r.Activity, "instant": time.Now(),
	})
}

func (m *Meter) applyThresholdActions(ctx context.Context, r Result) {
	switch {
	case r.Score >= m.thresholds.High:
		m.mu.Lock()
		m.highThreat[r.Subject] = true
		if r.Score >= m.thresholds.Suspend {
			m.suspended[r.Subject] = true
		}
		m.mu.Unlock()

		m.recordIncident(ctx, r, "HIGH")
		metrics.Get().RecordThreatIncident("critical")
		logger.Log.Error("high threat subject marked", "subject", r.Subject, "score", r.Score, "suspended", r.Score >= m.thresholds.Suspend)
		m.notify(ctx, r, notifier.SeverityCritical)

	case r.Score >= m.thresholds.Medium:
		m.recordIncident(ctx, r, "MEDIUM")
		metrics.Get().RecordThreatIncident("urgent")
		m.notify(ctx, r, notifier.SeverityUrgent)

	case r.Score >= m.thresholds.Low:
		metrics.Get().RecordThreatIncident("low")
		logger.Log.Warn("low threat activity", "subject", r.Subject, "score", r.Score)
	}
}

func (m *Meter) recordIncident(ctx context.Context, r Result, severity string) {
	if m.sink == nil {
		return
	}
	_ = m.sink.AppendAudit(ctx, "security_incidents", map[string]any{
		"subject": r.Subject, "activity": r.Activity, "threatScore": r.Score,
		"severity": severity, "instant": time.Now(),
	})
}

func (m *Meter) notify(ctx context.Context, r Result, severity notifier.Severity) {
	if m.notifier == nil {
		return
	}
	_, _ = m.notifier.Send(ctx, notifier.Recipient{ID: r.Subject, Role: "admin"}, notifier.Message{
		Title:    "threat detected",
		Body:     r.Subject,
		Severity: severity,
	}, []notifier.Channel{notifier.ChannelEmail, notifier.ChannelChat})
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
