package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	httpserver "github.com/fyrsmithlabs/plangate/internal/http"
	"github.com/fyrsmithlabs/plangate/internal/orchestrator"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
)

// runFlags are shared by orchestrate and resume. None of them can skip an
// approval or a security scan; they only choose where decisions come from.
type runFlags struct {
	actor    string
	noPrompt bool
	api      bool
	quiet    bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.actor, "actor", os.Getenv("USER"), "Name recorded on decisions made at the terminal prompt")
	cmd.Flags().BoolVar(&f.noPrompt, "no-prompt", false, "Do not prompt on the terminal; decide through the HTTP API instead")
	cmd.Flags().BoolVar(&f.api, "api", false, "Serve the HTTP API (including the decision endpoint) while the plan runs")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Suppress phase progress output")
}

func newOrchestrateCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "orchestrate <plan_path>",
		Short: "Admit a plan document and run it to a terminal status",
		Long: `Admit a plan document (JSON or YAML) and run it.

The document must pass schema validation and semantic verification before
anything is stored. Steps then run one at a time; write, delete and commit
steps wait for an approval from the terminal prompt or the HTTP API.

Examples:
  # Run a plan, answering approvals at the prompt
  plangate orchestrate plan.json

  # Decide through the HTTP API instead of the terminal
  plangate orchestrate --no-prompt --api plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app) (*plan.Plan, error) {
				return a.orch.Orchestrate(ctx, &orchestrator.FileSource{Path: args[0]})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume <plan_id>",
		Short: "Continue a stored plan after a restart",
		Long: `Continue a plan that is already in the store.

Succeeded steps are skipped. A step that was running when the previous
process stopped is recorded as an interrupted attempt and retried within
the normal retry budget. Steps still awaiting approval ask again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app) (*plan.Plan, error) {
				return a.orch.Run(ctx, args[0])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runPipeline sets up the orchestrator, the approval channels and signal
// handling, then runs fn and maps the plan status onto the command result.
func runPipeline(cmd *cobra.Command, flags runFlags, fn func(context.Context, *app) (*plan.Plan, error)) error {
	if flags.noPrompt && !flags.api {
		return errors.New("--no-prompt needs --api, otherwise nothing can answer approvals")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openOrchestrator(ctx); err != nil {
		return err
	}

	out := cmd.ErrOrStderr()
	if !flags.quiet {
		a.orch.OnProgress(func(p orchestrator.PhaseProgress) {
			fmt.Fprintf(out, "[%3d%%] %s\n", p.Percentage, p.Message)
		})
	}

	// The prompter and the API outlive ctx so that an interrupt still
	// leaves time to write evidence.
	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAux()

	if !flags.noPrompt {
		prompter := approval.NewPrompter(a.gate, cmd.InOrStdin(), out, flags.actor)
		go func() {
			if err := prompter.Run(auxCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				a.logger.Warn(auxCtx, "approval prompt stopped", zap.Error(err))
			}
		}()
	}
	if flags.api {
		srv, err := newServer(a)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error(auxCtx, "http server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, err := fn(ctx, a)
	if err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), a, p)
	return outcome(p)
}

func newServer(a *app) (*httpserver.Server, error) {
	return httpserver.NewServer(httpserver.Deps{
		Store:      a.store,
		Gate:       a.gate,
		Blackboard: a.board,
		Evidence:   a.evidence,
		Scrubber:   secrets.Default(),
		Metrics:    httpserver.NewHTTPMetrics(a.telemetry.Meter("github.com/fyrsmithlabs/plangate/internal/http"), a.logger),
		Logger:     a.logger,
	}, &httpserver.Config{
		Listen:    a.cfg.Server.Listen,
		Version:   version,
		RateLimit: a.cfg.Server.RateLimit,
	})
}

func printOutcome(w io.Writer, a *app, p *plan.Plan) {
	if outputJSON {
		_ = writeJSON(w, p)
		return
	}
	fmt.Fprintf(w, "Plan %s: %s\n", p.ID, p.Status)
	for _, s := range p.Steps {
		fmt.Fprintf(w, "  %-12s %-14s %s", s.ID, s.Status, s.ActionKind)
		if s.Target != "" {
			fmt.Fprintf(w, " %s", s.Target)
		}
		if s.RetryCount > 0 {
			fmt.Fprintf(w, " (retries: %d)", s.RetryCount)
		}
		fmt.Fprintln(w)
	}
	if p.AbortReason != "" {
		fmt.Fprintf(w, "Reason: %s\n", p.AbortReason)
	}
	for _, d := range p.Diagnostics {
		fmt.Fprintf(w, "Diagnostic: [%s] %s %s\n", d.Class, d.StepID, d.LastError)
	}
	if a.evidence != nil && a.evidence.Exists(p.ID) {
		fmt.Fprintf(w, "Evidence: %s\n", a.evidence.Path(p.ID))
	}
}
