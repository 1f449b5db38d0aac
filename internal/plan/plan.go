// Package plan defines the canonical, strictly typed plan representation
// shared by the validator, store and orchestrator.
package plan

import (
	"time"
)

// SchemaVersion is the only plan document contract this build accepts.
const SchemaVersion = "AGCCE_Plan_v1"

// ActionKind is the closed set of step actions.
type ActionKind string

const (
	ActionRead         ActionKind = "read"
	ActionWrite        ActionKind = "write"
	ActionDelete       ActionKind = "delete"
	ActionRunCommand   ActionKind = "run_command"
	ActionExternalScan ActionKind = "external_scan"
	ActionCommit       ActionKind = "commit"
)

// AllActionKinds returns every valid kind in declaration order.
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionRead, ActionWrite, ActionDelete, ActionRunCommand, ActionExternalScan, ActionCommit}
}

// Valid reports whether k belongs to the closed set.
func (k ActionKind) Valid() bool {
	for _, known := range AllActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// WriteClass reports whether k mutates the workspace and must always be gated.
func (k ActionKind) WriteClass() bool {
	return k == ActionWrite || k == ActionDelete || k == ActionCommit
}

// TargetsPath reports whether the step target is a filesystem path.
func (k ActionKind) TargetsPath() bool {
	return k == ActionRead || k == ActionWrite || k == ActionDelete
}

// RequiresApproval derives the approval requirement for a step. Write-class
// kinds are always gated; the others follow gateNonWrite.
func RequiresApproval(k ActionKind, gateNonWrite bool) bool {
	return k.WriteClass() || gateNonWrite
}

// Status is the plan lifecycle state.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusValidated     Status = "validated"
	StatusApproved      Status = "approved"
	StatusExecuting     Status = "executing"
	StatusCompleted     Status = "completed"
	StatusAborted       Status = "aborted"
	StatusRequiresHuman Status = "requires_human"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusRequiresHuman
}

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ErrorClass classifies failures for recovery and reporting.
type ErrorClass string

const (
	ClassSchemaViolation       ErrorClass = "schema_violation"
	ClassHallucinatedReference ErrorClass = "hallucinated_reference"
	ClassApprovalRejected      ErrorClass = "approval_rejected"
	ClassTransient             ErrorClass = "transient_step_failure"
	ClassNonTransient          ErrorClass = "non_transient_step_failure"
	ClassSecurityGateBlocked   ErrorClass = "security_gate_blocked"
	ClassConcurrencyConflict   ErrorClass = "concurrency_conflict"
	ClassCancelled             ErrorClass = "cancelled"
)

// Decision is an approver's answer for one gated step.
type Decision string

const (
	DecisionApprove             Decision = "approve"
	DecisionReject              Decision = "reject"
	DecisionApproveAllRemaining Decision = "approve_all_remaining"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionApproveAllRemaining
}

// Approves reports whether d lets the step run.
func (d Decision) Approves() bool {
	return d == DecisionApprove || d == DecisionApproveAllRemaining
}

// ApprovalSource records where an approval came from.
type ApprovalSource string

const (
	SourceHuman               ApprovalSource = "human"
	SourceApproveAllRemaining ApprovalSource = "approve_all_remaining"
)

// Approval is the recorded decision for a gated step.
type Approval struct {
	Decision  Decision       `json:"decision"`
	Source    ApprovalSource `json:"source"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// Objective describes what the plan is for.
type Objective struct {
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria"`
	AffectedPaths   []string `json:"affected_paths"`
}

// Verification lists the commands run after all steps finish.
type Verification struct {
	Method          string   `json:"method,omitempty"`
	Commands        []string `json:"commands,omitempty"`
	ExpectedResults []string `json:"expected_results,omitempty"`
}

// EvidenceHints carries paths the plan producer claims to have analyzed.
type EvidenceHints struct {
	AnalyzedPaths []string `json:"analyzed_paths,omitempty"`
}

// CommitProposal supplies the default message for commit steps.
type CommitProposal struct {
	Type    string `json:"type,omitempty"`
	Scope   string `json:"scope,omitempty"`
	Message string `json:"message,omitempty"`
}

// Subject renders the proposal as a conventional commit subject line.
func (c *CommitProposal) Subject() string {
	if c == nil || c.Message == "" {
		return ""
	}
	switch {
	case c.Type != "" && c.Scope != "":
		return c.Type + "(" + c.Scope + "): " + c.Message
	case c.Type != "":
		return c.Type + ": " + c.Message
	default:
		return c.Message
	}
}

// Result is the final outcome of a step. Once set it is never replaced.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Attempt is one execution of a step. Attempts are append-only.
type Attempt struct {
	Number      int        `json:"number"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
	Status      StepStatus `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorClass  ErrorClass `json:"error_class,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
}

// Step is one atomic action.
type Step struct {
	ID               string        `json:"id"`
	ActionKind       ActionKind    `json:"action_kind"`
	Target           string        `json:"target"`
	Description      string        `json:"description,omitempty"`
	RequiresApproval bool          `json:"requires_approval"`
	HITLRequired     bool          `json:"hitl_required,omitempty"`
	DependsOn        []string      `json:"depends_on,omitempty"`
	ExpectedOutcome  string        `json:"expected_outcome,omitempty"`
	Content          string        `json:"content,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Rollback         string        `json:"rollback,omitempty"`

	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Approval   *Approval  `json:"approval,omitempty"`
	Attempts   []Attempt  `json:"attempts,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// Diagnostic explains an escalation or abort without reading logs.
type Diagnostic struct {
	StepID     string     `json:"step_id,omitempty"`
	Class      ErrorClass `json:"class"`
	LastError  string     `json:"last_error"`
	Attempts   int        `json:"attempts"`
	RetryCount int        `json:"retry_count"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Plan is the unit of orchestrated work.
type Plan struct {
	ID             string          `json:"plan_id"`
	SchemaVersion  string          `json:"schema_version"`
	Version        string          `json:"version"`
	Objective      Objective       `json:"objective"`
	Steps          []Step          `json:"steps"`
	Verification   *Verification   `json:"verification,omitempty"`
	Evidence       EvidenceHints   `json:"evidence,omitempty"`
	CommitProposal *CommitProposal `json:"commit_proposal,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ApproveAllGrant is set when an approver chose approve_all_remaining.
	ApproveAllGrant *ApproveAllGrant `json:"approve_all_grant,omitempty"`
	AbortReason     string           `json:"abort_reason,omitempty"`
	CancelledAt     string           `json:"cancelled_at_step,omitempty"`
	Diagnostics     []Diagnostic     `json:"diagnostics,omitempty"`
}

// ApproveAllGrant records who pre-approved the rest of a plan and from which step.
type ApproveAllGrant struct {
	FromStepID string    `json:"from_step_id"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
}

// Step returns the step with id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the position of step id, or -1.
func (p *Plan) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// ReferencedPaths returns affected paths, analyzed paths and path targets
// in document order.
func (p *Plan) ReferencedPaths() []string {
	paths := append([]string{}, p.Objective.AffectedPaths...)
	paths = append(paths, p.Evidence.AnalyzedPaths...)
	for _, s := range p.Steps {
		if s.ActionKind.TargetsPath() {
			paths = append(paths, s.Target)
		}
	}
	return paths
}

// Now returns the current UTC time without a monotonic reading, so persisted
// timestamps compare equal after a round trip.
func Now() time.Time {
	return time.Now().UTC()
}
