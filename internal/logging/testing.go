package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries stay in memory, Trace level included.
// Hand Underlying() to a library package and assert on what it logged.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns an in-memory TestLogger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns every entry so far.
func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

// FilterMessage narrows the entries to one message.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops the entries recorded so far.
func (t *TestLogger) Reset() { _ = t.observed.TakeAll() }

// AssertLogged fails tb unless some entry at level has a message containing
// substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	entries := t.observed.FilterLevelExact(level).All()
	for _, e := range entries {
		if strings.Contains(e.Message, substr) {
			return
		}
	}
	tb.Errorf("no %s entry containing %q among %d entries at that level", level, substr, len(entries))
}

// AssertField fails tb unless an entry with message msg carries key. Values
// are compared in their printed form, so 42 and int64(42) are equal.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	var seen []string
	for _, e := range t.observed.FilterMessage(msg).All() {
		got, ok := e.ContextMap()[key]
		if !ok {
			continue
		}
		if fmt.Sprint(got) == fmt.Sprint(want) {
			return
		}
		seen = append(seen, fmt.Sprint(got))
	}
	tb.Errorf("%q: want %s=%v, saw %v", msg, key, want, seen)
}
