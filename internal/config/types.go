package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from strings like "90s" in YAML,
// JSON and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	if n < 0 {
		return fmt.Errorf("duration cannot be negative: %d", n)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a credential that must never appear in logs or serialized
// output. Use Value() to read it.
type Secret string

// String implements fmt.Stringer and always redacts.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the raw secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON always emits the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText always emits the redacted form.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalYAML always emits the redacted form.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalText accepts the raw value.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
