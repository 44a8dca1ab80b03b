package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug (-2). Used for per-signal and per-pattern
// detail in the uncertainty detector and for SQL statements in the store.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
