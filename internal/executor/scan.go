package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/plangate/internal/gitrepo"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/security"
)

// ErrNoScanner indicates a step needs the security gate but none is wired.
var ErrNoScanner = errors.New("security gate not configured")

// Scan runs the security gate over the step target (the whole work
// directory when the target is empty).
type Scan struct {
	Root    string
	Scanner security.Scanner
}

func (e *Scan) Execute(ctx context.Context, req Request) (Outcome, error) {
	if e.Scanner == nil {
		return Outcome{ExitCode: 1}, recovery.NonTransient(ErrNoScanner)
	}
	var paths []string
	if req.Step.Target != "" {
		abs, err := resolve(e.Root, req.Step.Target)
		if err != nil {
			return Outcome{ExitCode: 1}, err
		}
		rel, err := filepath.Rel(e.Root, abs)
		if err != nil {
			return Outcome{ExitCode: 1}, recovery.NonTransient(err)
		}
		paths = []string{rel}
	}
	return scan(ctx, e.Scanner, e.Root, paths)
}

func scan(ctx context.Context, s security.Scanner, root string, paths []string) (Outcome, error) {
	report, err := s.Scan(ctx, root, paths)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{ExitCode: -1}, recovery.Transient(fmt.Errorf("security scan timed out: %w", err))
		}
		return Outcome{ExitCode: 1}, fmt.Errorf("security scan failed: %w", err)
	}
	out := Outcome{Scan: &report}
	if report.Blocked {
		out.ExitCode = 1
		out.Output = fmt.Sprintf("blocked: %d finding(s), severity %s", len(report.Findings), report.Severity)
		return out, report.Err()
	}
	out.Output = fmt.Sprintf("clean: %d file(s) scanned", report.Scanned)
	return out, nil
}

// Commit scans every changed file with the security gate and, when the scan
// is clean, commits the whole work tree.
type Commit struct {
	Dir     string
	Scanner security.Scanner
	Author  Signature
}

func (e *Commit) Execute(ctx context.Context, req Request) (Outcome, error) {
	if e.Scanner == nil {
		return Outcome{ExitCode: 1}, recovery.NonTransient(ErrNoScanner)
	}
	repo, err := gitrepo.Open(e.Dir)
	if err != nil {
		return Outcome{ExitCode: 1}, recovery.NonTransient(err)
	}
	changes, err := repo.Changes()
	if err != nil {
		return Outcome{ExitCode: 1}, err
	}
	if len(changes) == 0 {
		return Outcome{Output: "nothing to commit"}, nil
	}

	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		if !c.Deleted() {
			paths = append(paths, c.Path)
		}
	}
	out, err := scan(ctx, e.Scanner, repo.Root(), paths)
	if err != nil {
		return out, err
	}

	hash, err := repo.Commit(commitMessage(req), gitrepo.Signature{Name: e.Author.Name, Email: e.Author.Email})
	if errors.Is(err, gitrepo.ErrNothingToCommit) {
		out.Output = "nothing to commit"
		return out, nil
	}
	if err != nil {
		out.ExitCode = 1
		return out, err
	}
	out.Output = fmt.Sprintf("committed %s (%d file(s))", hash, len(changes))
	return out, nil
}

func commitMessage(req Request) string {
	subject := req.Step.Target
	if subject == "" {
		subject = req.CommitMessage
	}
	if subject == "" {
		subject = "chore: apply plan " + req.PlanID
	}
	return subject + "\n\nPlan-Id: " + req.PlanID + "\nStep-Id: " + req.Step.ID + "\n"
}
