// Package main implements the plangate CLI: admit plan documents, drive
// them through the gated pipeline and inspect the resulting state.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/plangate/internal/orchestrator"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

var (
	// version information
	version = "dev"

	configPath string
	outputJSON bool
)

// Exit codes reported by orchestrate and resume.
const (
	exitCompleted     = 0
	exitError         = 1
	exitAborted       = 2
	exitRequiresHuman = 3
	exitAdmission     = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	code := exitCodeFor(err)
	if err != nil && code != exitAborted && code != exitRequiresHuman {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return code
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "plangate",
		Short: "Validate and deterministically orchestrate change plans",
		Long: `plangate admits machine-generated change plans only after schema and
semantic verification, then runs their steps one at a time behind human
approval and security gates, writing a tamper-evident evidence record for
every run.

Exit codes for orchestrate and resume:
  0  plan completed
  2  plan aborted (rejected or cancelled)
  3  plan requires human attention
  4  plan document failed admission
  1  any other error`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/plangate/config.yaml)")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")

	root.AddCommand(
		newOrchestrateCmd(),
		newResumeCmd(),
		newValidateCmd(),
		newVerifyCmd(),
		newStatusCmd(),
		newBlackboardCmd(),
		newAuditCmd(),
		newServeCmd(),
	)
	return root
}

// statusError carries a terminal plan status that is not a success.
type statusError struct {
	status plan.Status
	reason string
}

func (e *statusError) Error() string {
	if e.reason == "" {
		return fmt.Sprintf("plan %s", e.status)
	}
	return fmt.Sprintf("plan %s: %s", e.status, e.reason)
}

// outcome turns a finished plan into the command's error result.
func outcome(p *plan.Plan) error {
	if p == nil || p.Status == plan.StatusCompleted {
		return nil
	}
	reason := p.AbortReason
	if reason == "" && len(p.Diagnostics) > 0 {
		reason = p.Diagnostics[len(p.Diagnostics)-1].LastError
	}
	return &statusError{status: p.Status, reason: reason}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitCompleted
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case plan.StatusAborted:
			return exitAborted
		case plan.StatusRequiresHuman:
			return exitRequiresHuman
		}
	}
	if errors.Is(err, orchestrator.ErrAdmissionFailed) {
		return exitAdmission
	}
	return exitError
}
