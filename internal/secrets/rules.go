package secrets

// DefaultRules covers credentials that commonly leak through build and test
// output. Self-identifying prefixes need no keywords.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`},
		{ID: "aws-secret-access-key", Pattern: `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`, Keywords: []string{"secret"}},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "github-token", Pattern: `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `(?:sk|rk)_live_[A-Za-z0-9]{24,}`},
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
		{ID: "openai-api-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9]{40,}`},
		{ID: "npm-token", Pattern: `npm_[A-Za-z0-9]{36}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},
		{ID: "url-credentials", Pattern: `(?i)[a-z][a-z0-9+.-]*://[^\s:/@]+:[^\s@/]+@[^\s]+`},
		{ID: "bearer-token", Pattern: `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`, Keywords: []string{"bearer"}},
		{ID: "generic-api-key", Pattern: `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`, Keywords: []string{"key"}},
		{ID: "generic-secret", Pattern: `(?i)(?:secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`},
	}
}
