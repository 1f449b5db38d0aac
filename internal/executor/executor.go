// Package executor runs individual plan steps. There is one Executor per
// action kind; the orchestrator treats each as an opaque call bounded by a
// timeout and never looks inside.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/security"
)

var (
	// ErrNoExecutor indicates no executor is registered for an action kind.
	ErrNoExecutor = errors.New("no executor for action kind")

	// ErrOutsideWorkDir indicates a target escapes the work directory.
	ErrOutsideWorkDir = errors.New("target escapes work directory")
)

// Request is one attempt of one step.
type Request struct {
	PlanID  string
	Step    plan.Step
	Attempt int

	// CommitMessage is the plan-level default for commit steps.
	CommitMessage string
}

// Outcome is what a successful or failed attempt produced.
type Outcome struct {
	ExitCode int
	Output   string
	Stderr   string

	// Scan is set by executors that consult the security gate.
	Scan *security.Report
}

// Executor runs one action kind. A non-nil error means the attempt failed;
// classification is left to the recovery package.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Outcome, error)

func (f Func) Execute(ctx context.Context, req Request) (Outcome, error) { return f(ctx, req) }

// Registry dispatches by action kind.
type Registry struct {
	executors map[plan.ActionKind]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[plan.ActionKind]Executor)}
}

// Register sets the executor for kind, replacing any previous one.
func (r *Registry) Register(kind plan.ActionKind, e Executor) *Registry {
	r.executors[kind] = e
	return r
}

// Lookup returns the executor for kind.
func (r *Registry) Lookup(kind plan.ActionKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// Execute dispatches req.
func (r *Registry) Execute(ctx context.Context, req Request) (Outcome, error) {
	e, ok := r.executors[req.Step.ActionKind]
	if !ok {
		return Outcome{}, recovery.NonTransient(fmt.Errorf("%w: %s", ErrNoExecutor, req.Step.ActionKind))
	}
	return e.Execute(ctx, req)
}

// Options configures the default executors.
type Options struct {
	WorkDir string
	Shell   []string
	Scanner security.Scanner
	Author  Signature
}

// Signature is the commit author used by the commit executor.
type Signature struct {
	Name  string
	Email string
}

// Default registers an executor for every action kind.
func Default(opts Options) *Registry {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.Author.Name == "" {
		opts.Author = Signature{Name: "plangate", Email: "plangate@localhost"}
	}
	return NewRegistry().
		Register(plan.ActionRead, &Read{Root: opts.WorkDir}).
		Register(plan.ActionWrite, &Write{Root: opts.WorkDir}).
		Register(plan.ActionDelete, &Delete{Root: opts.WorkDir}).
		Register(plan.ActionRunCommand, &Command{Dir: opts.WorkDir, Shell: opts.Shell}).
		Register(plan.ActionExternalScan, &Scan{Root: opts.WorkDir, Scanner: opts.Scanner}).
		Register(plan.ActionCommit, &Commit{Dir: opts.WorkDir, Scanner: opts.Scanner, Author: opts.Author})
}

// resolve joins target onto root and refuses paths that climb out of it.
func resolve(root, target string) (string, error) {
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", recovery.NonTransient(fmt.Errorf("%w: %s", ErrOutsideWorkDir, target))
		}
		return target, nil
	}
	clean := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(target, `\`, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", recovery.NonTransient(fmt.Errorf("%w: %s", ErrOutsideWorkDir, target))
	}
	return filepath.Join(root, clean), nil
}
