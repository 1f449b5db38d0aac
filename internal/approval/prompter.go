package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// ParseDecision maps operator input onto a decision. Text after the first
// word is returned as the reason.
func ParseDecision(line string) (plan.Decision, string, error) {
	word, reason, _ := strings.Cut(strings.TrimSpace(line), " ")
	reason = strings.TrimSpace(reason)
	switch strings.ToLower(word) {
	case "y", "yes", "a", "approve":
		return plan.DecisionApprove, reason, nil
	case "n", "no", "r", "reject":
		return plan.DecisionReject, reason, nil
	case "all", "approve_all", "approve_all_remaining":
		return plan.DecisionApproveAllRemaining, reason, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidDecision, word)
}

// Prompter resolves gate requests interactively from a terminal.
type Prompter struct {
	gate     *Gate
	in       io.Reader
	out      io.Writer
	actor    string
	requests chan Request
}

// NewPrompter attaches a prompter to gate. Call Run to start answering.
func NewPrompter(gate *Gate, in io.Reader, out io.Writer, actor string) *Prompter {
	p := &Prompter{
		gate:     gate,
		in:       in,
		out:      out,
		actor:    actor,
		requests: make(chan Request, 16),
	}
	gate.OnRequest(func(r Request) {
		select {
		case p.requests <- r:
		default:
		}
	})
	return p
}

// Run prompts for each request until ctx is done or input ends. Requests
// resolved elsewhere in the meantime are skipped.
func (p *Prompter) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var req Request
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req = <-p.requests:
		}

		for {
			p.prompt(req)
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok = <-lines:
			}
			if !ok {
				return io.EOF
			}

			decision, reason, err := ParseDecision(line)
			if err != nil {
				fmt.Fprintln(p.out, "  answer approve, reject or all (optionally followed by a reason)")
				continue
			}
			if err := p.gate.Resolve(req.PlanID, req.StepID, decision, p.actor, reason); err != nil {
				if errors.Is(err, ErrNoPendingRequest) {
					fmt.Fprintln(p.out, "  already resolved")
					break
				}
				return err
			}
			break
		}
	}
}

func (p *Prompter) prompt(r Request) {
	fmt.Fprintf(p.out, "\nApproval required: plan %s step %s (#%d)\n", r.PlanID, r.StepID, r.Index+1)
	fmt.Fprintf(p.out, "  action: %s\n", r.ActionKind)
	if r.Target != "" {
		fmt.Fprintf(p.out, "  target: %s\n", r.Target)
	}
	if r.Description != "" {
		fmt.Fprintf(p.out, "  description: %s\n", r.Description)
	}
	if r.Rollback != "" {
		fmt.Fprintf(p.out, "  rollback: %s\n", r.Rollback)
	}
	fmt.Fprint(p.out, "[approve/reject/all] > ")
}
