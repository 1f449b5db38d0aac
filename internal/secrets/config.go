package secrets

import (
	"fmt"
	"regexp"
)

// DefaultRedaction replaces each detected secret.
const DefaultRedaction = "[REDACTED]"

// Config configures the scrubber.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Rules     []Rule   `koanf:"rules"`
	Redaction string   `koanf:"redaction"`
	AllowList []string `koanf:"allow_list"`
}

// Rule is one detection pattern. Keywords, when present, must appear
// somewhere in the content (case-insensitive) before the pattern runs.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

// DefaultConfig returns an enabled config with DefaultRules.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Rules:     DefaultRules(),
		Redaction: DefaultRedaction,
	}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func (c Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern: %v", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}
