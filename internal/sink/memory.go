package sink

import (
	"context"
	"sync"
)

// Record is one captured AppendAudit call.
type Record struct {
	Topic  string
	Value  any
}

// MemorySink captures every AppendAudit call for test assertions.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory builds an empty in-memory Sink.
func NewMemory() *MemorySink {
	return &MemorySink{}
}

// AppendAudit records (topic, record) in order.
func (s *MemorySink) AppendAudit(_ context.Context, topic string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Topic: topic, Value: record})
	return nil
}

// Records returns every captured record, in append order.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record{}, s.records...)
}

// ByTopic filters captured records to a single topic.
func (s *MemorySink) ByTopic(topic string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}
