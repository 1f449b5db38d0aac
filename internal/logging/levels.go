package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug (-1) for per-attempt wire detail such as
// captured command output. It is almost always filtered in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" in addition to the
// names zapcore understands.
func LevelFromString(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
