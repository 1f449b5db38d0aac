// Package evidence builds and persists the Evidence Record: the write-once
// account of one plan execution. A record is produced for every terminal
// plan, and everything needed to explain a non-completed outcome is inside
// it.
package evidence

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/gitrepo"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
	"github.com/fyrsmithlabs/plangate/internal/security"
)

// CollectorVersion is stamped on every record.
const CollectorVersion = "1.0.0"

// Capture limits for verification output, in characters.
const (
	StdoutLimit = 5000
	StderrLimit = 2000
)

// Overall verdicts.
const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Record is the evidence for one plan execution.
type Record struct {
	PlanID           string      `json:"plan_id"`
	PlanVersion      string      `json:"plan_version"`
	SchemaVersion    string      `json:"schema_version"`
	CollectorVersion string      `json:"collector_version"`
	Objective        string      `json:"objective"`
	Status           plan.Status `json:"status"`
	AbortReason      string      `json:"abort_reason,omitempty"`
	CancelledAt      string      `json:"cancelled_at_step,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CollectedAt      time.Time   `json:"collected_at"`

	Steps           []StepRecord          `json:"steps"`
	ApproveAllGrant *plan.ApproveAllGrant `json:"approve_all_grant,omitempty"`
	Diagnostics     []plan.Diagnostic     `json:"diagnostics"`
	Verification    []VerificationResult  `json:"verification_results"`
	SecurityScans   []ScanRecord          `json:"security_scans,omitempty"`
	Files           []FileFact            `json:"files_analyzed"`
	Git             *gitrepo.Snapshot     `json:"git_info,omitempty"`
	GitError        string                `json:"git_error,omitempty"`
	CommitProposal  *plan.CommitProposal  `json:"commit_proposal,omitempty"`
	Recovery        recovery.Stats        `json:"recovery"`
	Score           Score                 `json:"evidence_score"`

	// Checksum is the hex sha256 of the record serialized with an empty
	// checksum.
	Checksum string `json:"checksum"`
}

// StepRecord is one step with its full attempt history.
type StepRecord struct {
	ID               string          `json:"id"`
	ActionKind       plan.ActionKind `json:"action_kind"`
	Target           string          `json:"target,omitempty"`
	Description      string          `json:"description,omitempty"`
	ExpectedOutcome  string          `json:"expected_outcome,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Status           plan.StepStatus `json:"status"`
	RetryCount       int             `json:"retry_count"`
	Approval         *plan.Approval  `json:"approval,omitempty"`
	Attempts         []plan.Attempt  `json:"attempts"`
	Result           *plan.Result    `json:"result,omitempty"`
}

// VerificationResult is one post-execution verification command.
type VerificationResult struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ScanRecord is a security gate report tied to the attempt that produced it.
type ScanRecord struct {
	StepID  string          `json:"step_id"`
	Attempt int             `json:"attempt"`
	Report  security.Report `json:"report"`
}

// FileFact describes an affected or analyzed path at collection time.
type FileFact struct {
	Path       string     `json:"path"`
	Exists     bool       `json:"exists"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	Lines      *int       `json:"lines,omitempty"`
}

// Score summarizes the record.
type Score struct {
	VerificationPassed bool   `json:"verification_passed"`
	Completed          bool   `json:"completed"`
	Overall            string `json:"overall"`
}

// Inputs carries everything Build needs besides the plan.
type Inputs struct {
	Verification []VerificationResult
	Scans        []ScanRecord
	Git          *gitrepo.Snapshot
	GitError     string
	Recovery     recovery.Stats
	WorkDir      string
}

// Build assembles the record for a terminal plan. p is not retained.
func Build(p *plan.Plan, in Inputs) *Record {
	p = p.Clone()
	rec := &Record{
		PlanID:           p.ID,
		PlanVersion:      p.Version,
		SchemaVersion:    p.SchemaVersion,
		CollectorVersion: CollectorVersion,
		Objective:        p.Objective.Description,
		Status:           p.Status,
		AbortReason:      p.AbortReason,
		CancelledAt:      p.CancelledAt,
		CreatedAt:        p.CreatedAt,
		CollectedAt:      plan.Now(),
		ApproveAllGrant:  p.ApproveAllGrant,
		Diagnostics:      p.Diagnostics,
		Verification:     in.Verification,
		SecurityScans:    in.Scans,
		Git:              in.Git,
		GitError:         in.GitError,
		CommitProposal:   p.CommitProposal,
		Recovery:         in.Recovery,
	}
	if rec.Diagnostics == nil {
		rec.Diagnostics = []plan.Diagnostic{}
	}
	if rec.Verification == nil {
		rec.Verification = []VerificationResult{}
	}

	for _, s := range p.Steps {
		attempts := s.Attempts
		if attempts == nil {
			attempts = []plan.Attempt{}
		}
		rec.Steps = append(rec.Steps, StepRecord{
			ID:               s.ID,
			ActionKind:       s.ActionKind,
			Target:           s.Target,
			Description:      s.Description,
			ExpectedOutcome:  s.ExpectedOutcome,
			RequiresApproval: s.RequiresApproval,
			Status:           s.Status,
			RetryCount:       s.RetryCount,
			Approval:         s.Approval,
			Attempts:         attempts,
			Result:           s.Result,
		})
	}

	paths := append(append([]string{}, p.Objective.AffectedPaths...), p.Evidence.AnalyzedPaths...)
	rec.Files = CollectFiles(in.WorkDir, paths)

	passed := true
	for _, v := range rec.Verification {
		passed = passed && v.Success
	}
	rec.Score = Score{VerificationPassed: passed, Completed: p.Status == plan.StatusCompleted}
	rec.Score.Overall = Fail
	if passed && rec.Score.Completed {
		rec.Score.Overall = Pass
	}
	return rec
}

// CaptureVerification converts a verification command outcome into a
// result with scrubbed, clipped output.
func CaptureVerification(command string, out executor.Outcome, err error, executedAt time.Time, s secrets.Scrubber) VerificationResult {
	v := VerificationResult{
		Command:    command,
		ExitCode:   out.ExitCode,
		Stdout:     secrets.Capture(s, out.Output, StdoutLimit),
		Stderr:     secrets.Capture(s, out.Stderr, StderrLimit),
		Success:    err == nil && out.ExitCode == 0,
		ExecutedAt: executedAt,
	}
	if err != nil {
		v.Error = secrets.Capture(s, err.Error(), StderrLimit)
	}
	return v
}

// CollectFiles stats each distinct path relative to root.
func CollectFiles(root string, paths []string) []FileFact {
	out := []FileFact{}
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		fact := FileFact{Path: p}
		full := p
		if !filepath.IsAbs(p) && root != "" {
			full = filepath.Join(root, p)
		}
		if info, err := os.Stat(full); err == nil {
			fact.Exists = true
			fact.SizeBytes = info.Size()
			mod := info.ModTime().UTC()
			fact.ModifiedAt = &mod
			if !info.IsDir() {
				fact.Lines = countLines(full)
			}
		}
		out = append(out, fact)
	}
	return out
}

func countLines(path string) *int {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	if sc.Err() != nil {
		return nil
	}
	return &n
}

// ComputeChecksum returns the checksum rec should carry.
func ComputeChecksum(rec *Record) (string, error) {
	c := *rec
	c.Checksum = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal evidence: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
