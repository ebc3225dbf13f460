// Package audit captures the append-only event trail the dispatch core
// persists: security logs and incidents, performance alerts and reports,
// fraud scores, resource alerts, notification delivery logs, and
// predictions. Each entry is tagged with its topic; backends (stdout,
// rotated file) are selected by configuration.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics the dispatch core writes. The set is closed: a new producer
// gets a new constant here, not an ad-hoc string at the call site.
const (
	TopicSecurityLogs       = "security_logs"
	TopicSecurityIncidents  = "security_incidents"
	TopicPerformanceAlerts  = "performance_alerts"
	TopicPerformanceReports = "performance_reports"
	TopicFraudScores        = "fraud_scores"
	TopicResourceAlerts     = "resource_alerts"
	TopicNotificationLogs   = "notification_logs"
	TopicPredictions        = "predictions"
)

// Outcome represents the result of the audited action.
type Outcome string

const (
	// OutcomeSuccess indicates that the action completed successfully.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailure indicates that the action failed.
	OutcomeFailure Outcome = "FAILURE"
)

// Entry is a single audit record: who (subject), what (topic + payload),
// when, and how it went.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Service      string         `json:"service"`
	Topic        string         `json:"topic"`
	Subject      string         `json:"subject,omitempty"`  // driver, customer, or operator the record concerns
	Severity     string         `json:"severity,omitempty"` // producer-defined: low, medium, high, critical
	Outcome      Outcome        `json:"outcome"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Logger is the interface audit backends implement.
type Logger interface {
	// Log records an audit entry.
	Log(ctx context.Context, entry *Entry) error

	// Close shuts down the logger and releases any resources.
	Close() error
}

// Config holds configuration parameters for the audit logger.
type Config struct {
	Enabled  bool   `koanf:"enabled"`   // If false, New returns a NoopLogger.
	Backend  string `koanf:"backend"`   // "stdout" or "file".
	FilePath string `koanf:"file_path"` // Path to the log file for the file backend.

	// Rotation settings for the file backend (lumberjack).
	MaxSize    int  `koanf:"max_size"`    // Max file size in MB before rotation.
	MaxBackups int  `koanf:"max_backups"` // Rotated files to retain.
	MaxAge     int  `koanf:"max_age"`     // Max age of rotated files in days.
	Compress   bool `koanf:"compress"`    // Whether to gzip rotated files.

	BufferSize  int           `koanf:"buffer_size"`  // Internal buffer for asynchronous logging.
	FlushPeriod time.Duration `koanf:"flush_period"` // Tick period of the file backend's drain loop; entries are written as they are drained.
}

// DefaultConfig returns a Config struct with default values.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Backend:     "stdout",
		MaxSize:     100,
		MaxBackups:  5,
		MaxAge:      30,
		BufferSize:  1000,
		FlushPeriod: 5 * time.Second,
	}
}

// Builder provides a fluent API for constructing an Entry.
type Builder struct {
	entry *Entry
}

// NewEntry creates a Builder initialized with a timestamp and an empty
// payload map.
func NewEntry() *Builder {
	return &Builder{
		entry: &Entry{
			Timestamp: time.Now(),
			Outcome:   OutcomeSuccess,
			Payload:   make(map[string]any),
		},
	}
}

// Service sets the producing service's name.
func (b *Builder) Service(s string) *Builder {
	b.entry.Service = s
	return b
}

// Topic tags the entry with its topic and the subject it concerns.
func (b *Builder) Topic(topic, subject string) *Builder {
	b.entry.Topic = topic
	b.entry.Subject = subject
	return b
}

// Severity sets the producer-defined severity.
func (b *Builder) Severity(s string) *Builder {
	b.entry.Severity = s
	return b
}

// Outcome overrides the default SUCCESS outcome.
func (b *Builder) Outcome(o Outcome) *Builder {
	b.entry.Outcome = o
	return b
}

// Duration records how long the audited operation took.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.entry.DurationMs = d.Milliseconds()
	return b
}

// Error marks the entry failed with the given message.
func (b *Builder) Error(message string) *Builder {
	b.entry.Outcome = OutcomeFailure
	b.entry.ErrorMessage = message
	return b
}

// Payload adds a key-value pair to the entry's payload.
func (b *Builder) Payload(key string, value any) *Builder {
	b.entry.Payload[key] = value
	return b
}

// Build finalizes the Entry, assigning an ID if none was set.
func (b *Builder) Build() *Entry {
	if b.entry.ID == "" {
		b.entry.ID = uuid.NewString()
	}
	return b.entry
}
