// Package schema turns loosely typed plan documents into strict plans.
//
// Validate never returns an error for malformed input. Every problem is
// reported as a Violation with the field path it was found at, and the
// function has no side effects, so validating the same document twice
// yields identical results.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/plan"
	"gopkg.in/yaml.v3"
)

// ErrSchemaViolation marks a plan rejected by Validate.
var ErrSchemaViolation = errors.New("schema violation")

// Violation is one structural problem in a plan document.
type Violation struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

func (v Violation) String() string {
	return v.FieldPath + ": " + v.Reason
}

// Result is the outcome of Validate. Plan is set only when Violations is empty.
type Result struct {
	Plan       *plan.Plan  `json:"plan,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
}

// Valid reports whether the document passed.
func (r Result) Valid() bool {
	return len(r.Violations) == 0
}

// Err returns nil for a valid result, or an error wrapping ErrSchemaViolation.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(parts, "; "))
}

// Options tune derivations that depend on configuration.
type Options struct {
	// GateNonWriteSteps makes every step require approval.
	GateNonWriteSteps bool
}

// Decode parses a JSON or YAML plan document into an untyped tree. The
// format is chosen by file extension, falling back to content sniffing.
func Decode(data []byte, name string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	ext := strings.ToLower(filepath.Ext(name))
	trimmed := bytes.TrimSpace(data)

	if ext == ".json" || (ext != ".yaml" && ext != ".yml" && bytes.HasPrefix(trimmed, []byte("{"))) {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decoding JSON plan: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decoding YAML plan: %w", err)
	}
	if doc == nil {
		return nil, errors.New("plan document is empty")
	}
	return doc, nil
}

// Validate checks doc and, if it passes, returns the strict plan in draft
// status. Checks run in order: required top-level fields, non-empty steps,
// unique step IDs, known action kinds, explicit approval on write-class
// steps, then the remaining type and reference checks.
func Validate(doc interface{}, opts Options) Result {
	v := &validator{}
	root, ok := doc.(map[string]interface{})
	if !ok {
		v.fail("$", "plan document must be an object")
		return v.result(nil)
	}

	p := &plan.Plan{Status: plan.StatusDraft}

	// 1. required top-level fields
	p.ID = v.str(root, "plan_id", "plan_id", true)
	if p.ID != "" && !plan.ValidID(p.ID) {
		v.fail("plan_id", fmt.Sprintf("invalid plan id %q: use letters, digits, '.', '-' or '_' (max %d)", p.ID, plan.MaxIDLength))
	}
	p.SchemaVersion = v.str(root, "schema_version", "schema_version", true)
	if p.SchemaVersion != "" && p.SchemaVersion != plan.SchemaVersion {
		v.fail("schema_version", fmt.Sprintf("unsupported schema version %q (want %q)", p.SchemaVersion, plan.SchemaVersion))
	}
	p.Version = v.str(root, "version", "version", true)
	p.CreatedAt = v.timestamp(root, "created_at")
	p.UpdatedAt = p.CreatedAt
	if obj, present := root["objective"]; present {
		p.Objective = v.objective(obj)
	} else {
		v.fail("objective", "required field missing")
	}

	// 2. steps is a non-empty ordered sequence
	rawSteps, stepsOK := v.list(root, "steps", "steps")
	if stepsOK && len(rawSteps) == 0 {
		v.fail("steps", "must contain at least one step")
	}

	stepMaps := make([]map[string]interface{}, len(rawSteps))
	for i, rs := range rawSteps {
		m, ok := rs.(map[string]interface{})
		if !ok {
			v.fail(stepPath(i, ""), "step must be an object")
			continue
		}
		stepMaps[i] = m
	}

	// 3. step IDs unique
	seen := make(map[string]int, len(stepMaps))
	ids := make([]string, len(stepMaps))
	for i, m := range stepMaps {
		if m == nil {
			continue
		}
		key := "id"
		if _, ok := m["id"]; !ok {
			if _, alt := m["step_id"]; alt {
				key = "step_id"
			}
		}
		ids[i] = v.str(m, key, stepPath(i, key), true)
		if ids[i] == "" {
			continue
		}
		if first, dup := seen[ids[i]]; dup {
			v.fail(stepPath(i, key), fmt.Sprintf("duplicate step id %q (first used at steps[%d])", ids[i], first))
			continue
		}
		seen[ids[i]] = i
	}

	// 4. action_kind in the closed set
	kinds := make([]plan.ActionKind, len(stepMaps))
	for i, m := range stepMaps {
		if m == nil {
			continue
		}
		raw := v.str(m, "action_kind", stepPath(i, "action_kind"), true)
		kinds[i] = plan.ActionKind(raw)
		if raw != "" && !kinds[i].Valid() {
			v.fail(stepPath(i, "action_kind"), fmt.Sprintf("unknown action kind %q", raw))
		}
	}

	// 5. write-class steps declare requires_approval: true
	for i, m := range stepMaps {
		if m == nil || !kinds[i].WriteClass() {
			continue
		}
		raw, present := m["requires_approval"]
		if !present {
			v.fail(stepPath(i, "requires_approval"), fmt.Sprintf("required for %s steps", kinds[i]))
			continue
		}
		if b, ok := raw.(bool); !ok || !b {
			v.fail(stepPath(i, "requires_approval"), fmt.Sprintf("must be true for %s steps", kinds[i]))
		}
	}

	// remaining per-step fields and references
	for i, m := range stepMaps {
		if m == nil {
			continue
		}
		p.Steps = append(p.Steps, v.step(m, i, ids[i], kinds[i], seen, opts))
	}

	if raw, present := root["verification"]; present {
		p.Verification = v.verification(raw)
	} else {
		v.warn("verification", "no verification section; the final phase will have nothing to run")
	}
	if raw, present := root["evidence"]; present {
		p.Evidence.AnalyzedPaths = v.strings(raw, "evidence", "analyzed_paths")
	} else {
		v.warn("evidence", "no evidence section; analyzed paths cannot be cross-checked")
	}
	if raw, present := root["commit_proposal"]; present {
		p.CommitProposal = v.commitProposal(raw)
	}

	return v.result(p)
}

func (v *validator) step(m map[string]interface{}, i int, id string, kind plan.ActionKind, seen map[string]int, opts Options) plan.Step {
	s := plan.Step{ID: id, ActionKind: kind, Status: plan.StepPending}

	needsTarget := kind == plan.ActionRead || kind == plan.ActionWrite || kind == plan.ActionDelete || kind == plan.ActionRunCommand
	s.Target = v.str(m, "target", stepPath(i, "target"), needsTarget)
	s.Description = v.str(m, "description", stepPath(i, "description"), false)
	s.ExpectedOutcome = v.str(m, "expected_outcome", stepPath(i, "expected_outcome"), false)
	s.Content = v.str(m, "content", stepPath(i, "content"), false)
	s.Rollback = v.str(m, "rollback", stepPath(i, "rollback"), false)

	declared := v.boolean(m, "requires_approval", stepPath(i, "requires_approval"))
	s.HITLRequired = v.boolean(m, "hitl_required", stepPath(i, "hitl_required"))
	s.RequiresApproval = plan.RequiresApproval(kind, opts.GateNonWriteSteps) || declared || s.HITLRequired

	if raw, present := m["timeout"]; present {
		s.Timeout = v.duration(raw, stepPath(i, "timeout"))
	}

	if raw, present := m["depends_on"]; present {
		deps := v.stringList(raw, stepPath(i, "depends_on"))
		for j, dep := range deps {
			at, ok := seen[dep]
			switch {
			case !ok:
				v.fail(fmt.Sprintf("%s[%d]", stepPath(i, "depends_on"), j), fmt.Sprintf("unknown step %q", dep))
			case at >= i:
				v.fail(fmt.Sprintf("%s[%d]", stepPath(i, "depends_on"), j), fmt.Sprintf("step %q does not precede this step", dep))
			}
		}
		if len(deps) > 0 {
			s.DependsOn = deps
		}
	}
	return s
}

func (v *validator) objective(raw interface{}) plan.Objective {
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.fail("objective", "must be an object")
		return plan.Objective{}
	}
	o := plan.Objective{
		Description: v.str(m, "description", "objective.description", true),
	}
	if raw, present := m["success_criteria"]; present {
		o.SuccessCriteria = v.stringList(raw, "objective.success_criteria")
	} else {
		v.fail("objective.success_criteria", "required field missing")
	}
	if raw, present := m["affected_paths"]; present {
		o.AffectedPaths = v.stringList(raw, "objective.affected_paths")
	} else {
		v.fail("objective.affected_paths", "required field missing")
	}
	return o
}

func (v *validator) verification(raw interface{}) *plan.Verification {
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.fail("verification", "must be an object")
		return nil
	}
	out := &plan.Verification{Method: v.str(m, "method", "verification.method", false)}
	if c, present := m["commands"]; present {
		if cmds := v.stringList(c, "verification.commands"); len(cmds) > 0 {
			out.Commands = cmds
		}
	}
	if r, present := m["expected_results"]; present {
		if res := v.stringList(r, "verification.expected_results"); len(res) > 0 {
			out.ExpectedResults = res
		}
	}
	return out
}

func (v *validator) commitProposal(raw interface{}) *plan.CommitProposal {
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.fail("commit_proposal", "must be an object")
		return nil
	}
	return &plan.CommitProposal{
		Type:    v.str(m, "type", "commit_proposal.type", false),
		Scope:   v.str(m, "scope", "commit_proposal.scope", false),
		Message: v.str(m, "message", "commit_proposal.message", false),
	}
}

func (v *validator) strings(raw interface{}, path, key string) []string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		v.fail(path, "must be an object")
		return nil
	}
	inner, present := m[key]
	if !present {
		return nil
	}
	out := v.stringList(inner, path+"."+key)
	if len(out) == 0 {
		return nil
	}
	return out
}

func stepPath(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("steps[%d]", i)
	}
	return fmt.Sprintf("steps[%d].%s", i, field)
}
