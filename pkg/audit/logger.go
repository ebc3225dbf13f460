// Package audit: backend implementations. The file backend buffers
// entries on a channel and writes through lumberjack so the trail
// rotates instead of filling the disk.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"dispatch/pkg/logger"
)

// StdoutLogger writes audit entries to standard output, one JSON object
// per line.
type StdoutLogger struct {
	config *Config
	mu     sync.Mutex
}

// NewStdoutLogger creates and returns a new StdoutLogger.
func NewStdoutLogger(cfg *Config) *StdoutLogger {
	return &StdoutLogger{config: cfg}
}

// Log marshals the entry to JSON and prints it to stdout.
func (l *StdoutLogger) Log(_ context.Context, entry *Entry) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	fmt.Println("[AUDIT]", string(data))
	return nil
}

// Close for StdoutLogger does nothing.
func (l *StdoutLogger) Close() error { return nil }

// FileLogger appends audit entries to a rotated file. Writes go through
// a buffered channel; a background goroutine drains it and writes each
// entry as it arrives. When the buffer is full, Log writes the entry
// synchronously instead.
type FileLogger struct {
	config *Config
	out    io.WriteCloser
	mu     sync.Mutex
	buffer chan *Entry
	done   chan struct{}
}

// NewFileLogger creates a FileLogger writing to cfg.FilePath (default
// "audit.log") with lumberjack rotation and starts its drain goroutine.
func NewFileLogger(cfg *Config) (*FileLogger, error) {
	path := cfg.FilePath
	if path == "" {
		path = "audit.log"
	}

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	l := &FileLogger{
		config: cfg,
		out:    out,
		buffer: make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}

	go l.drainLoop()

	return l, nil
}

// Log enqueues the entry for asynchronous writing. When the buffer is
// full the entry is written synchronously instead of being dropped.
func (l *FileLogger) Log(_ context.Context, entry *Entry) error {
	if !l.config.Enabled {
		return nil
	}

	select {
	case l.buffer <- entry:
		return nil
	default:
		return l.writeEntry(entry)
	}
}

// Close stops the drain goroutine, writes out anything still buffered,
// and closes the underlying file.
func (l *FileLogger) Close() error {
	close(l.done)

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		select {
		case entry := <-l.buffer:
			if err := l.writeEntryUnsafe(entry); err != nil {
				logger.Log.Warn("failed to write audit entry during shutdown", "error", err)
			}
		default:
			return l.out.Close()
		}
	}
}

func (l *FileLogger) drainLoop() {
	flushPeriod := l.config.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = 5 * time.Second
	}

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case entry := <-l.buffer:
			if err := l.writeEntry(entry); err != nil {
				logger.Log.Warn("failed to write audit entry", "error", err)
			}
		case <-ticker.C:
			// lumberjack writes are unbuffered; the tick only exists to
			// keep the loop responsive to done while the buffer is idle.
		}
	}
}

func (l *FileLogger) writeEntry(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeEntryUnsafe(entry)
}

func (l *FileLogger) writeEntryUnsafe(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = l.out.Write(append(data, '\n'))
	return err
}

// New returns the Logger implementation selected by cfg. A nil cfg uses
// DefaultConfig; a disabled config returns a NoopLogger. Unknown
// backends fall back to stdout.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if !cfg.Enabled {
		return &NoopLogger{}, nil
	}

	switch cfg.Backend {
	case "file":
		return NewFileLogger(cfg)
	case "stdout", "":
		return NewStdoutLogger(cfg), nil
	default:
		logger.Log.Warn("unknown audit backend, using stdout", "backend", cfg.Backend)
		return NewStdoutLogger(cfg), nil
	}
}

// NoopLogger discards every entry; used when auditing is disabled.
type NoopLogger struct{}

// Log for NoopLogger does nothing.
func (l *NoopLogger) Log(_ context.Context, _ *Entry) error { return nil }

// Close for NoopLogger does nothing.
func (l *NoopLogger) Close() error { return nil }
