// Package semantic confirms that the filesystem paths a plan cites exist,
// or will exist by the time the citing step runs.
package semantic

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// ErrHallucinatedReference marks a plan citing a path that neither exists
// nor is produced by an earlier step.
var ErrHallucinatedReference = errors.New("hallucinated reference")

// Reference is one unverifiable path and where the plan cites it.
type Reference struct {
	Path   string `json:"path"`
	Source string `json:"source"`
	StepID string `json:"step_id,omitempty"`
}

// Result is the outcome of Verify.
type Result struct {
	Hallucinated []Reference `json:"hallucinated,omitempty"`
	Checked      int         `json:"checked"`
}

// Valid reports whether every referenced path was verified.
func (r Result) Valid() bool {
	return len(r.Hallucinated) == 0
}

// Paths returns the offending paths in discovery order.
func (r Result) Paths() []string {
	out := make([]string, len(r.Hallucinated))
	for i, h := range r.Hallucinated {
		out[i] = h.Path
	}
	return out
}

// Err returns nil for a valid result, or an error wrapping
// ErrHallucinatedReference naming each offending path.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHallucinatedReference, strings.Join(r.Paths(), ", "))
}

// Normalize canonicalizes a plan path for oracle lookups. It returns ""
// for paths that name nothing (empty or ".").
func Normalize(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	for strings.HasPrefix(p, "./") {
		p = strings.TrimPrefix(p, "./")
	}
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// Verify checks every path p cites against oracle. The walk is order-aware:
//
//   - read and delete targets must exist or be written by an earlier step
//   - write targets must exist, or their parent directory must exist or
//     hold an earlier write target
//   - objective.affected_paths must exist or be written by some step
//   - evidence.analyzed_paths must exist
//
// Each distinct offending path is reported once, at its first citation.
func Verify(p *plan.Plan, oracle Oracle) Result {
	var res Result
	reported := make(map[string]bool)
	report := func(norm, source, stepID string) {
		if reported[norm] {
			return
		}
		reported[norm] = true
		res.Hallucinated = append(res.Hallucinated, Reference{Path: norm, Source: source, StepID: stepID})
	}

	allWrites := make(map[string]bool)
	for _, s := range p.Steps {
		if s.ActionKind == plan.ActionWrite {
			if n := Normalize(s.Target); n != "" {
				allWrites[n] = true
			}
		}
	}

	for i, raw := range p.Objective.AffectedPaths {
		n := Normalize(raw)
		if n == "" {
			continue
		}
		res.Checked++
		if !allWrites[n] && !oracle.Exists(n) {
			report(n, fmt.Sprintf("objective.affected_paths[%d]", i), "")
		}
	}
	for i, raw := range p.Evidence.AnalyzedPaths {
		n := Normalize(raw)
		if n == "" {
			continue
		}
		res.Checked++
		if !oracle.Exists(n) {
			report(n, fmt.Sprintf("evidence.analyzed_paths[%d]", i), "")
		}
	}

	written := make(map[string]bool)
	for i, s := range p.Steps {
		if !s.ActionKind.TargetsPath() {
			continue
		}
		n := Normalize(s.Target)
		if n == "" {
			continue
		}
		res.Checked++
		source := fmt.Sprintf("steps[%d].target", i)

		ok := written[n] || oracle.Exists(n)
		if !ok && s.ActionKind == plan.ActionWrite {
			ok = creatable(n, oracle, written)
		}
		if !ok {
			report(n, source, s.ID)
		}

		switch s.ActionKind {
		case plan.ActionWrite:
			written[n] = true
		case plan.ActionDelete:
			delete(written, n)
		}
	}
	return res
}

// creatable reports whether a write to n has a directory to land in.
func creatable(n string, oracle Oracle, written map[string]bool) bool {
	dir := path.Dir(n)
	if dir == "." || dir == "/" {
		return true
	}
	if oracle.Exists(dir) {
		return true
	}
	prefix := dir + "/"
	for w := range written {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}
