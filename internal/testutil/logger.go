package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MockClock is a fixed time source for loaders and orchestrators
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TestLogger records every slog entry so tests can assert on what a run
// reported, including the attributes bound with Logger.With.
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		entry.Fields[key] = fields[i+1]
	}

	l.entries = append(l.entries, entry)
}

// Entries returns the entries logged with msg, in order
func (l *TestLogger) Entries(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []LogEntry
	for _, entry := range l.entries {
		if entry.Message == msg {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any entry was logged with msg
func (l *TestLogger) HasMessage(msg string) bool {
	return len(l.Entries(msg)) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
	}
}

// groups are flattened; nothing in this module logs with groups
func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}
