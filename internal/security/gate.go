// Package security is the security scan gate consulted by external_scan and
// commit steps. It scans files with the gitleaks rule set; any finding that
// survives the allowlists blocks the step. Nothing in this package, or in
// its configuration, can turn a block into a pass.
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
)

// ErrSecurityGateBlocked is returned for a blocked scan.
var ErrSecurityGateBlocked = errors.New("security gate blocked")

// maxFileSize bounds how much of a single file is scanned.
const maxFileSize = 2 << 20

// Severity of a report.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one detected secret. The secret itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Preview     string `json:"preview"`
}

// Report is the gate's verdict.
type Report struct {
	Blocked   bool      `json:"blocked"`
	Severity  Severity  `json:"severity"`
	Findings  []Finding `json:"findings"`
	Scanned   int       `json:"scanned_files"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Err returns nil for a clean report and a non-transient
// security_gate_blocked step error otherwise.
func (r Report) Err() error {
	if !r.Blocked {
		return nil
	}
	rules := make([]string, 0, len(r.Findings))
	seen := map[string]bool{}
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	return &recovery.StepError{
		Class: plan.ClassSecurityGateBlocked,
		Err:   fmt.Errorf("%w: %d finding(s), severity %s, rules %s", ErrSecurityGateBlocked, len(r.Findings), r.Severity, strings.Join(rules, ",")),
	}
}

// Scanner is what executors depend on.
type Scanner interface {
	// Scan scans paths (files or directories) relative to root. An empty
	// path list scans root itself.
	Scan(ctx context.Context, root string, paths []string) (Report, error)
}

// Gate implements Scanner with gitleaks.
type Gate struct {
	allowlist compiledAllowlist
	logger    *logging.Logger
}

// NewGate returns a gate using allowlist (may be nil).
func NewGate(allowlist *Allowlist, logger *logging.Logger) *Gate {
	return &Gate{
		allowlist: allowlist.compile(),
		logger:    logging.OrNop(logger).Named("security"),
	}
}

// Scan implements Scanner.
func (g *Gate) Scan(ctx context.Context, root string, paths []string) (Report, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return Report{}, fmt.Errorf("failed to load detection rules: %w", err)
	}
	if len(g.allowlist.regexes) > 0 {
		al := &gitleaksconfig.Allowlist{Description: "plangate allowlist"}
		for _, re := range g.allowlist.regexes {
			al.Regexes = append(al.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, al)
	}

	files, err := g.collect(root, paths)
	if err != nil {
		return Report{}, err
	}

	report := Report{Severity: SeverityNone, Findings: []Finding{}, ScannedAt: plan.Now()}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		data, err := readCapped(filepath.Join(root, rel))
		if err != nil {
			return Report{}, err
		}
		report.Scanned++
		if isBinary(data) {
			continue
		}
		for _, f := range detector.DetectString(string(data)) {
			if g.allowlist.secretAllowed(f.Secret) || g.allowlist.secretAllowed(f.Match) {
				continue
			}
			report.Findings = append(report.Findings, Finding{
				RuleID:      f.RuleID,
				Description: f.Description,
				File:        rel,
				Line:        f.StartLine,
				Preview:     preview(f.Secret),
			})
		}
	}

	if len(report.Findings) > 0 {
		report.Blocked = true
		report.Severity = severityOf(report.Findings)
		g.logger.Warn(ctx, "security scan blocked",
			zap.Int("findings", len(report.Findings)),
			zap.String("severity", string(report.Severity)))
	} else {
		g.logger.Debug(ctx, "security scan clean", zap.Int("files", report.Scanned))
	}
	return report, nil
}

// collect resolves paths to a sorted list of regular files relative to root.
func (g *Gate) collect(root string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	seen := map[string]bool{}
	var out []string
	add := func(rel string) {
		rel = filepath.ToSlash(rel)
		if seen[rel] || g.allowlist.pathAllowed(rel) {
			return
		}
		seen[rel] = true
		out = append(out, rel)
	}

	for _, p := range paths {
		abs := filepath.Join(root, p)
		info, err := os.Stat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			add(filepath.Clean(p))
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			add(rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

func readCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}

func preview(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..."
}

func severityOf(findings []Finding) Severity {
	for _, f := range findings {
		if strings.Contains(f.RuleID, "private-key") {
			return SeverityCritical
		}
	}
	return SeverityHigh
}

var _ Scanner = (*Gate)(nil)
