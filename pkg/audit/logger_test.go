package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	l, err := New(&Config{Enabled: false, Backend: "file"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := l.(*NoopLogger); !ok {
		t.Errorf("expected NoopLogger when disabled, got %T", l)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	cases := []struct {
		backend string
		want    string
	}{
		{"stdout", "*audit.StdoutLogger"},
		{"", "*audit.StdoutLogger"},
		{"unknown", "*audit.StdoutLogger"},
	}

	for _, tc := range cases {
		l, err := New(&Config{Enabled: true, Backend: tc.backend})
		if err != nil {
			t.Fatalf("New(%q) error = %v", tc.backend, err)
		}
		if _, ok := l.(*StdoutLogger); !ok {
			t.Errorf("New(%q) = %T, want %s", tc.backend, l, tc.want)
		}
		_ = l.Close()
	}
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	defer l.Close()

	if _, ok := l.(*StdoutLogger); !ok {
		t.Errorf("expected stdout logger by default, got %T", l)
	}
}

func TestNoopLogger_DiscardsEverything(t *testing.T) {
	l := &NoopLogger{}

	entry := NewEntry().Topic(TopicSecurityLogs, "s").Build()
	if err := l.Log(context.Background(), entry); err != nil {
		t.Errorf("Log() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileLogger_WritesEntriesAsJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := NewFileLogger(&Config{
		Enabled:     true,
		Backend:     "file",
		FilePath:    path,
		BufferSize:  10,
		FlushPeriod: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		entry := NewEntry().
			Service("dispatch-svc").
			Topic(TopicResourceAlerts, "").
			Payload("n", i).
			Build()
		if err := l.Log(ctx, entry); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected audit file to exist: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Errorf("line %d is not valid JSON: %v", lines, err)
		}
		if entry.Topic != TopicResourceAlerts {
			t.Errorf("line %d topic = %q", lines, entry.Topic)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("expected 3 entries written, got %d", lines)
	}
}

func TestFileLogger_DisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l, err := NewFileLogger(&Config{Enabled: false, FilePath: path, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}

	_ = l.Log(context.Background(), NewEntry().Topic(TopicSecurityLogs, "").Build())
	_ = l.Close()

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		t.Errorf("expected no entries written when disabled, file has %d bytes", info.Size())
	}
}

func TestStdoutLogger_DisabledIsSilent(t *testing.T) {
	l := NewStdoutLogger(&Config{Enabled: false})

	if err := l.Log(context.Background(), NewEntry().Build()); err != nil {
		t.Errorf("Log() error = %v", err)
	}
}
