package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Secret creates a field for a config.Secret that logs only its length.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString creates a field whose value is replaced by its length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder masks sensitive keys and values matching patterns.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with redaction rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	keys := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		keys[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if len(p) > 200 {
			return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{Encoder: base, keys: keys, patterns: patterns}, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

// AddString masks sensitive keys and pattern matches in the value.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// Clone implements zapcore.Encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}

// EncodeEntry routes per-call fields through the redacting Add* methods
// before the wrapped encoder serializes the entry.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clone := e.Clone().(*RedactingEncoder)
	for _, f := range fields {
		f.AddTo(clone)
	}
	return clone.Encoder.EncodeEntry(ent, nil)
}
