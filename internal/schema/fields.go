package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// validator accumulates findings while walking a document.
type validator struct {
	violations []Violation
	warnings   []Violation
}

func (v *validator) fail(path, reason string) {
	v.violations = append(v.violations, Violation{FieldPath: path, Reason: reason})
}

func (v *validator) warn(path, reason string) {
	v.warnings = append(v.warnings, Violation{FieldPath: path, Reason: reason})
}

func (v *validator) result(p *plan.Plan) Result {
	r := Result{Violations: v.violations, Warnings: v.warnings}
	if len(v.violations) == 0 {
		r.Plan = p
	}
	return r
}

// str reads a string field. Required fields must be present and non-empty.
func (v *validator) str(m map[string]interface{}, key, path string, required bool) string {
	raw, present := m[key]
	if !present || raw == nil {
		if required {
			v.fail(path, "required field missing")
		}
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.fail(path, fmt.Sprintf("must be a string, got %T", raw))
		return ""
	}
	if required && s == "" {
		v.fail(path, "must not be empty")
	}
	return s
}

func (v *validator) boolean(m map[string]interface{}, key, path string) bool {
	raw, present := m[key]
	if !present || raw == nil {
		return false
	}
	b, ok := raw.(bool)
	if !ok {
		v.fail(path, fmt.Sprintf("must be a boolean, got %T", raw))
		return false
	}
	return b
}

func (v *validator) list(m map[string]interface{}, key, path string) ([]interface{}, bool) {
	raw, present := m[key]
	if !present {
		v.fail(path, "required field missing")
		return nil, false
	}
	l, ok := raw.([]interface{})
	if !ok {
		v.fail(path, fmt.Sprintf("must be a list, got %T", raw))
		return nil, false
	}
	return l, true
}

func (v *validator) stringList(raw interface{}, path string) []string {
	l, ok := raw.([]interface{})
	if !ok {
		if raw != nil {
			v.fail(path, fmt.Sprintf("must be a list of strings, got %T", raw))
		}
		return []string{}
	}
	out := make([]string, 0, len(l))
	for i, item := range l {
		s, ok := item.(string)
		if !ok {
			v.fail(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("must be a string, got %T", item))
			continue
		}
		out = append(out, s)
	}
	return out
}

// timestamp accepts RFC 3339 strings and the time.Time values yaml.v3
// produces for unquoted timestamps.
func (v *validator) timestamp(m map[string]interface{}, key string) time.Time {
	raw, present := m[key]
	if !present || raw == nil {
		v.fail(key, "required field missing")
		return time.Time{}
	}
	switch t := raw.(type) {
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			v.fail(key, "must be an RFC 3339 timestamp")
			return time.Time{}
		}
		return parsed.UTC()
	default:
		v.fail(key, fmt.Sprintf("must be an RFC 3339 timestamp, got %T", raw))
		return time.Time{}
	}
}

// duration accepts Go duration strings or a number of seconds.
// maxStepTimeout caps step timeouts; numbers are seconds and are checked
// before conversion so they cannot overflow.
const maxStepTimeout = 24 * time.Hour

func (v *validator) duration(raw interface{}, path string) time.Duration {
	tooLong := fmt.Sprintf("must not exceed %s", maxStepTimeout)
	var d time.Duration
	switch t := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			v.fail(path, fmt.Sprintf("invalid duration %q", t))
			return 0
		}
		d = parsed
	case int:
		if t > int(maxStepTimeout/time.Second) {
			v.fail(path, tooLong)
			return 0
		}
		d = time.Duration(t) * time.Second
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			v.fail(path, "invalid duration")
			return 0
		}
		if t > maxStepTimeout.Seconds() {
			v.fail(path, tooLong)
			return 0
		}
		d = time.Duration(t * float64(time.Second))
	default:
		v.fail(path, fmt.Sprintf("must be a duration, got %T", raw))
		return 0
	}
	if d <= 0 {
		v.fail(path, "must be positive")
		return 0
	}
	if d > maxStepTimeout {
		v.fail(path, tooLong)
		return 0
	}
	return d
}
