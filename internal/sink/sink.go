// Package sink implements Sink.appendAudit (spec §6): append-only
// persistence of the topics listed there (security_logs,
// security_incidents, performance_alerts, performance_reports,
// fraud_scores, resource_alerts, notification_logs, predictions). New
// wraps pkg/audit's Logger and carries the topic in each entry's Topic
// tag; the Postgres sink (postgres.go) writes every topic to the single
// audit_events table.
package sink

import (
	"context"
	"encoding/json"

	"dispatch/pkg/audit"
)

// Sink is the interface every C6/C8/C9/C11 producer depends on.
type Sink interface {
	AppendAudit(ctx context.Context, topic string, record any) error
}

// BatchSink is implemented by sinks that can persist several records of
// one topic atomically; report jobs prefer it when available.
type BatchSink interface {
	Sink
	AppendBatch(ctx context.Context, topic string, records []any) error
}

// auditSink adapts an audit.Logger into a Sink: the topic becomes the
// entry's topic tag and the record its JSON payload.
type auditSink struct {
	logger  audit.Logger
	service string
}

// New wraps an audit.Logger (stdout or rotated file) as a Sink.
func New(logger audit.Logger, service string) Sink {
	return &auditSink{logger: logger, service: service}
}

// AppendAudit encodes record as JSON and logs it through the underlying
// audit.Logger under topic.
func (s *auditSink) AppendAudit(ctx context.Context, topic string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	entry := audit.NewEntry().
		Service(s.service).
		Topic(topic, "").
		Payload("record", json.RawMessage(payload)).
		Build()

	return s.logger.Log(ctx, entry)
}
