package secrets

import (
	"regexp"
	"sort"
	"unicode/utf8"
)

// Result describes one scrub. Secret values are never retained.
type Result struct {
	Scrubbed string         `json:"scrubbed"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
	Total    int            `json:"total"`
}

// Redacted reports whether anything was removed.
func (r Result) Redacted() bool { return r.Total > 0 }

// Scrubber redacts secrets from captured output.
type Scrubber interface {
	Scrub(content string) Result
	Enabled() bool
}

type scrubber struct {
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles cfg. A disabled config yields a Noop scrubber.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if cfg.Redaction == "" {
		cfg.Redaction = DefaultRedaction
	}
	return &scrubber{redaction: cfg.Redaction, rules: rules, allow: allow}, nil
}

// Default returns a scrubber using DefaultConfig. The default rules are
// known to compile.
func Default() Scrubber {
	s, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

func (s *scrubber) Enabled() bool { return true }

func (s *scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	var spans []span
	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.ByRule[r.id]++
			res.Total++
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(content))
	prev := 0
	for _, sp := range merged {
		out = append(out, content[prev:sp.start]...)
		out = append(out, s.redaction...)
		prev = sp.end
	}
	out = append(out, content[prev:]...)
	res.Scrubbed = string(out)
	return res
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// Noop leaves content untouched.
type Noop struct{}

func (Noop) Scrub(content string) Result { return Result{Scrubbed: content} }
func (Noop) Enabled() bool               { return false }

// Capture scrubs content and then clips it to at most limit runes. A
// non-positive limit disables clipping. Scrubbing always runs on the full
// content.
func Capture(s Scrubber, content string, limit int) string {
	if s == nil {
		s = Noop{}
	}
	out := s.Scrub(content).Scrubbed
	if limit <= 0 || utf8.RuneCountInString(out) <= limit {
		return out
	}
	n := 0
	for i := range out {
		if n == limit {
			return out[:i]
		}
		n++
	}
	return out
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)
