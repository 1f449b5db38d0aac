package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/fyrsmithlabs/plangate/internal/recovery"
)

// DefaultShell runs run_command targets.
var DefaultShell = []string{"sh", "-c"}

// Command runs the step target through a shell in Dir. The deadline on ctx
// is the step timeout; expiry kills the process and is reported as a
// transient failure.
type Command struct {
	Dir   string
	Shell []string
}

func (e *Command) Execute(ctx context.Context, req Request) (Outcome, error) {
	return runShell(ctx, e.Dir, e.Shell, req.Step.Target)
}

func runShell(ctx context.Context, dir string, shell []string, script string) (Outcome, error) {
	if len(shell) == 0 {
		shell = DefaultShell
	}
	args := append(append([]string{}, shell[1:]...), script)
	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := Outcome{Output: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		out.ExitCode = -1
		return out, recovery.Transient(fmt.Errorf("command timed out: %w", context.DeadlineExceeded))
	case ctxErr != nil:
		out.ExitCode = -1
		return out, fmt.Errorf("command interrupted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, fmt.Errorf("command exited with status %d", out.ExitCode)
	}
	out.ExitCode = -1
	return out, recovery.NonTransient(fmt.Errorf("failed to start command: %w", err))
}

// RunVerification runs one verification command with the same shell and
// timeout handling as run_command steps.
func RunVerification(ctx context.Context, dir string, shell []string, command string) (Outcome, error) {
	return runShell(ctx, dir, shell, command)
}
