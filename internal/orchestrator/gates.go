package orchestrator

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// WorkDirGate blocks a run whose work directory is missing.
type WorkDirGate struct {
	Dir string
}

// NewWorkDirGate creates a gate for dir.
func NewWorkDirGate(dir string) *WorkDirGate {
	return &WorkDirGate{Dir: dir}
}

// Name returns the gate identifier.
func (g *WorkDirGate) Name() string {
	return "workdir-gate"
}

// Check validates that the work directory exists.
func (g *WorkDirGate) Check(ctx context.Context, state *RunState) ([]Violation, error) {
	info, err := os.Stat(g.Dir)
	if err == nil && info.IsDir() {
		return []Violation{}, nil
	}
	desc := fmt.Sprintf("work directory %s is not a directory", g.Dir)
	if err != nil {
		desc = fmt.Sprintf("work directory %s: %v", g.Dir, err)
	}
	return []Violation{{
		Type:        ViolationWorkDirMissing,
		Phase:       PhasePreflight,
		Description: desc,
		Severity:    SeverityCritical,
		DetectedAt:  time.Now(),
	}}, nil
}

// VerificationOutputGate rejects verification commands that printed usage
// text instead of running anything.
type VerificationOutputGate struct{}

// NewVerificationOutputGate creates the gate.
func NewVerificationOutputGate() *VerificationOutputGate {
	return &VerificationOutputGate{}
}

// Name returns the gate identifier.
func (g *VerificationOutputGate) Name() string {
	return "verification-output-gate"
}

// Check inspects every successful verification result.
func (g *VerificationOutputGate) Check(ctx context.Context, state *RunState) ([]Violation, error) {
	var violations []Violation
	for _, v := range state.Verification {
		if !v.Success || !isHelpOutput(v.Stdout+"\n"+v.Stderr) {
			continue
		}
		violations = append(violations, Violation{
			Type:        ViolationHelpAsVerification,
			Phase:       PhaseVerification,
			Description: fmt.Sprintf("verification command %q printed usage text instead of running checks", v.Command),
			Severity:    SeverityError,
			DetectedAt:  time.Now(),
		})
	}
	return violations, nil
}

// ApprovalRecordGate checks that every gated step which ran carries an
// approving decision with a recorded source.
type ApprovalRecordGate struct{}

// NewApprovalRecordGate creates the gate.
func NewApprovalRecordGate() *ApprovalRecordGate {
	return &ApprovalRecordGate{}
}

// Name returns the gate identifier.
func (g *ApprovalRecordGate) Name() string {
	return "approval-record-gate"
}

// Check walks the steps of the plan.
func (g *ApprovalRecordGate) Check(ctx context.Context, state *RunState) ([]Violation, error) {
	var violations []Violation
	for _, s := range state.Plan.Steps {
		if !s.RequiresApproval || len(s.Attempts) == 0 {
			continue
		}
		if s.Approval != nil && s.Approval.Decision.Approves() && s.Approval.Source != "" {
			continue
		}
		violations = append(violations, Violation{
			Type:        ViolationUnapprovedStep,
			Phase:       PhaseEvidence,
			StepID:      s.ID,
			Description: fmt.Sprintf("step %s ran without a recorded approval", s.ID),
			Severity:    SeverityCritical,
			DetectedAt:  time.Now(),
		})
	}
	return violations, nil
}

var (
	_ PhaseGate = (*WorkDirGate)(nil)
	_ PhaseGate = (*VerificationOutputGate)(nil)
	_ PhaseGate = (*ApprovalRecordGate)(nil)
)

// Patterns that mean a test runner actually ran.
var testPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(pass|fail|error).*\d+`), // "PASS", "1 passed"
	regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),      // "TestFoo (0.00s)"
	regexp.MustCompile(`✓|✗`),
	regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),  // "ok pkg 0.001s"
	regexp.MustCompile(`(?i)test suites?:\s*\d+`), // "Test Suites: 1"
}

var helpPatterns = []string{
	"usage:",
	"--help",
	"-h, --help",
	"show help",
	"show this help",
	"options:",
}

// isHelpOutput detects output that looks like --help text rather than
// test results.
func isHelpOutput(output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	for _, pattern := range testPatterns {
		if pattern.MatchString(output) {
			return false
		}
	}

	lower := strings.ToLower(output)
	helpCount := 0
	for _, pattern := range helpPatterns {
		if strings.Contains(lower, pattern) {
			helpCount++
		}
	}
	return helpCount >= 2
}

func hasBlockingViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func describeViolations(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Type, v.Description))
	}
	return strings.Join(parts, "; ")
}

// stepOf returns the step a violation list points at, if exactly one does.
func stepOf(violations []Violation) string {
	id := ""
	for _, v := range violations {
		if v.StepID == "" {
			continue
		}
		if id != "" && id != v.StepID {
			return ""
		}
		id = v.StepID
	}
	return id
}

// attemptsOf returns attempt and retry counts for a diagnostic on step id.
func attemptsOf(p *plan.Plan, id string) (int, int) {
	s := p.Step(id)
	if s == nil {
		return 0, 0
	}
	return len(s.Attempts), s.RetryCount
}
