package audit

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBuilder_SetsAllFields(t *testing.T) {
	entry := NewEntry().
		Service("dispatch-svc").
		Topic(TopicSecurityIncidents, "customer-42").
		Severity("high").
		Duration(1500 * time.Millisecond).
		Payload("threat_score", 82.5).
		Build()

	if entry.Service != "dispatch-svc" {
		t.Errorf("Service = %q, want dispatch-svc", entry.Service)
	}
	if entry.Topic != TopicSecurityIncidents {
		t.Errorf("Topic = %q, want %q", entry.Topic, TopicSecurityIncidents)
	}
	if entry.Subject != "customer-42" {
		t.Errorf("Subject = %q, want customer-42", entry.Subject)
	}
	if entry.Severity != "high" {
		t.Errorf("Severity = %q, want high", entry.Severity)
	}
	if entry.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", entry.DurationMs)
	}
	if entry.Payload["threat_score"] != 82.5 {
		t.Errorf("Payload[threat_score] = %v, want 82.5", entry.Payload["threat_score"])
	}
}

func TestBuilder_DefaultsToSuccess(t *testing.T) {
	entry := NewEntry().Topic(TopicPerformanceReports, "").Build()

	if entry.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want SUCCESS", entry.Outcome)
	}
	if entry.ID == "" {
		t.Error("expected a generated ID")
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestBuilder_ErrorMarksFailure(t *testing.T) {
	entry := NewEntry().
		Topic(TopicNotificationLogs, "driver-7").
		Error("sms adapter unreachable").
		Build()

	if entry.Outcome != OutcomeFailure {
		t.Errorf("Outcome = %q, want FAILURE", entry.Outcome)
	}
	if entry.ErrorMessage != "sms adapter unreachable" {
		t.Errorf("ErrorMessage = %q", entry.ErrorMessage)
	}
}

func TestBuilder_GeneratesUniqueIDs(t *testing.T) {
	a := NewEntry().Build()
	b := NewEntry().Build()

	if a.ID == b.ID {
		t.Errorf("expected distinct IDs, both were %q", a.ID)
	}
}

func TestEntry_JSONRoundTrip(t *testing.T) {
	entry := NewEntry().
		Service("dispatch-svc").
		Topic(TopicFraudScores, "customer-1").
		Severity("medium").
		Payload("score", float64(61)).
		Build()

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Topic != TopicFraudScores || decoded.Subject != "customer-1" {
		t.Errorf("round trip lost topic/subject: %+v", decoded)
	}
	if decoded.Payload["score"] != float64(61) {
		t.Errorf("round trip lost payload: %v", decoded.Payload)
	}
}

func TestEntry_OmitsEmptyOptionalFields(t *testing.T) {
	entry := NewEntry().Topic(TopicResourceAlerts, "").Build()
	entry.Payload = nil

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(data, &raw)

	for _, field := range []string{"subject", "severity", "error_message", "payload", "duration_ms"} {
		if _, present := raw[field]; present {
			t.Errorf("expected empty %q to be omitted, got %v", field, raw[field])
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("expected auditing enabled by default")
	}
	if cfg.Backend != "stdout" {
		t.Errorf("Backend = %q, want stdout", cfg.Backend)
	}
	if cfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.BufferSize)
	}
	if cfg.FlushPeriod != 5*time.Second {
		t.Errorf("FlushPeriod = %v, want 5s", cfg.FlushPeriod)
	}
}
