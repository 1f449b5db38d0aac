package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/plangate"

// newCore tees stdout and OTEL outputs, then applies sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Stdout {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), cfg.Level))
	}

	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("trace")
			return
		}
		zapcore.LowercaseLevelEncoder(l, enc)
	}

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// newSampledCore samples everything below Error; Error and above always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	high := &levelRangeCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	below := &levelRangeCore{Core: core, min: TraceLevel, max: zapcore.WarnLevel}

	sampled := zapcore.NewSamplerWithOptions(below, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(high, sampled)
}

// levelRangeCore passes entries whose level lies in [min, max].
type levelRangeCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
