package testutil

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestLogger is a logrus logger that writes to a buffer
// and records every entry through a hook
type TestLogger struct {
	logger *logrus.Logger
	hook   *TestLogHook
	buffer *syncBuffer
}

// NewTestLogger creates a logger at trace level
func NewTestLogger(t *testing.T) *TestLogger {
	buffer := &syncBuffer{}
	hook := NewTestLogHook(logrus.AllLevels...)

	logger := logrus.New()
	logger.SetOutput(io.Writer(buffer))
	logger.SetLevel(logrus.TraceLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	logger.AddHook(hook)

	t.Cleanup(func() {
		if t.Failed() {
			t.Log(buffer.String())
		}
	})

	return &TestLogger{
		logger: logger,
		hook:   hook,
		buffer: buffer,
	}
}

// Logger returns the underlying logger
func (l *TestLogger) Logger() *logrus.Logger {
	return l.logger
}

// Hook returns the entry recorder
func (l *TestLogger) Hook() *TestLogHook {
	return l.hook
}

// String returns the formatted log output
func (l *TestLogger) String() string {
	return l.buffer.String()
}

// RequireContains asserts that the log contains text
func (l *TestLogger) RequireContains(t *testing.T, text string) {
	require.Contains(t, l.String(), text)
}

// RequireNotContains asserts that the log does not contain text
func (l *TestLogger) RequireNotContains(t *testing.T, text string) {
	require.NotContains(t, l.String(), text)
}

// TestLogHook records log entries
type TestLogHook struct {
	mu      sync.RWMutex
	levels  []logrus.Level
	entries []*logrus.Entry
}

// NewTestLogHook creates a hook firing on levels
func NewTestLogHook(levels ...logrus.Level) *TestLogHook {
	return &TestLogHook{levels: levels}
}

// Levels implements logrus.Hook
func (h *TestLogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *TestLogHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// Entries returns the captured entries
func (h *TestLogHook) Entries() []*logrus.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*logrus.Entry{}, h.entries...)
}

// Messages returns the messages of entries at level
func (h *TestLogHook) Messages(level logrus.Level) []string {
	var out []string
	for _, e := range h.Entries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// HasMessage reports whether any entry's message contains text
func (h *TestLogHook) HasMessage(text string) bool {
	for _, e := range h.Entries() {
		if strings.Contains(e.Message, text) {
			return true
		}
	}
	return false
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
