package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/config"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// Phase is one stage of a plan run.
type Phase string

const (
	// PhasePreflight closes interrupted attempts and accepts the plan.
	PhasePreflight Phase = "preflight"

	// PhaseApproval is entered once per gated step, inside execution.
	PhaseApproval Phase = "approval"

	// PhaseExecution runs the steps in order.
	PhaseExecution Phase = "execution"

	// PhaseVerification runs the plan's verification commands.
	PhaseVerification Phase = "verification"

	// PhaseEvidence settles the final status and writes the evidence record.
	PhaseEvidence Phase = "evidence"
)

// AllPhases returns the run phases in execution order. PhaseApproval is
// not listed; it nests inside PhaseExecution.
func AllPhases() []Phase {
	return []Phase{PhasePreflight, PhaseExecution, PhaseVerification, PhaseEvidence}
}

// PhaseStatus is the state of one phase within a run.
type PhaseStatus string

const (
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusSkipped    PhaseStatus = "skipped"
)

// PhaseResult captures the outcome of a phase.
type PhaseResult struct {
	Phase       Phase       `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Violation is a problem a gate found before a phase.
type Violation struct {
	Type        ViolationType `json:"type"`
	Phase       Phase         `json:"phase"`
	StepID      string        `json:"step_id,omitempty"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType categorizes violations.
type ViolationType string

const (
	ViolationWorkDirMissing     ViolationType = "work_dir_missing"
	ViolationHelpAsVerification ViolationType = "help_as_verification"
	ViolationUnapprovedStep     ViolationType = "unapproved_step"
)

// Severity says whether a violation blocks the run.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RunState is the working state of one run. Plan always mirrors the last
// committed store snapshot.
type RunState struct {
	Plan         *plan.Plan
	Results      map[Phase]*PhaseResult
	Violations   []Violation
	Verification []evidence.VerificationResult
	Scans        []evidence.ScanRecord
	EvidencePath string
}

func newRunState(p *plan.Plan) *RunState {
	return &RunState{
		Plan:    p,
		Results: make(map[Phase]*PhaseResult),
	}
}

// PhaseGate checks conditions before a phase starts.
type PhaseGate interface {
	// Name returns the gate identifier.
	Name() string

	// Check returns the violations it found. An error means the check
	// itself could not run.
	Check(ctx context.Context, state *RunState) ([]Violation, error)
}

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	PlanID     string      `json:"plan_id"`
	Phase      Phase       `json:"phase"`
	StepID     string      `json:"step_id,omitempty"`
	Status     PhaseStatus `json:"status"`
	Message    string      `json:"message"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates. It is called synchronously
// from the run and must not block.
type ProgressCallback func(progress PhaseProgress)

// Options tune a run.
type Options struct {
	// ID identifies this orchestrator as plan owner and blackboard actor.
	ID                   string
	MaxRetries           int
	MaxAdmissionAttempts int
	CommandTimeout       time.Duration
	VerificationTimeout  time.Duration
	GateNonWriteSteps    bool
	WorkDir              string
	Shell                []string
	OutputLimit          int
	ErrorOutputLimit     int
}

// OptionsFromConfig maps the orchestrator section of the configuration.
func OptionsFromConfig(c config.OrchestratorConfig) Options {
	return Options{
		MaxRetries:           c.MaxRetries,
		MaxAdmissionAttempts: c.MaxAdmissionAttempts,
		CommandTimeout:       c.CommandTimeout.Duration(),
		VerificationTimeout:  c.VerificationTimeout.Duration(),
		GateNonWriteSteps:    c.GateNonWriteSteps,
		WorkDir:              c.WorkDir,
		OutputLimit:          c.OutputLimit,
		ErrorOutputLimit:     c.ErrorOutputLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = "orchestrator"
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	if o.MaxAdmissionAttempts < 1 {
		o.MaxAdmissionAttempts = 3
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 2 * time.Minute
	}
	if o.VerificationTimeout <= 0 {
		o.VerificationTimeout = 120 * time.Second
	}
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = evidence.StdoutLimit
	}
	if o.ErrorOutputLimit <= 0 {
		o.ErrorOutputLimit = evidence.StderrLimit
	}
	return o
}
