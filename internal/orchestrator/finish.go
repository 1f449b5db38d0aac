package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/gitrepo"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// verification runs the plan's verification commands in order. Any failure
// hands the plan to a human.
func (o *Orchestrator) verification(ctx context.Context, st *RunState) error {
	v := st.Plan.Verification
	if v == nil || len(v.Commands) == 0 {
		return nil
	}
	// A resumed run repeats the whole phase.
	st.Verification = nil

	var failed []string
	for _, command := range v.Commands {
		if ctx.Err() != nil {
			return o.abortCancelled(ctx, st, string(PhaseVerification))
		}
		executedAt := plan.Now()
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.VerificationTimeout)
		out, err := executor.RunVerification(execCtx, o.opts.WorkDir, o.opts.Shell, command)
		cancel()

		res := evidence.CaptureVerification(command, out, err, executedAt, o.scrubber)
		st.Verification = append(st.Verification, res)
		o.saveJournal(ctx, st)
		if !res.Success {
			failed = append(failed, command)
			o.logger.Warn(ctx, "verification command failed", zap.String("command", command), zap.Int("exit_code", res.ExitCode))
		}
	}
	if len(failed) == 0 {
		return nil
	}

	lastErr := fmt.Sprintf("verification failed: %s", strings.Join(failed, "; "))
	o.publish(ctx, events.VerificationFailed, st, "", map[string]interface{}{"commands": failed})
	o.metrics.EscalationsTotal.WithLabelValues(string(plan.ClassNonTransient)).Inc()
	return o.update(ctx, st, func(p *plan.Plan) error {
		p.Status = plan.StatusRequiresHuman
		p.Diagnostics = append(p.Diagnostics, plan.Diagnostic{
			Class:      plan.ClassNonTransient,
			LastError:  lastErr,
			RecordedAt: plan.Now(),
		})
		return nil
	})
}

// finish settles a plan that is still running as completed, then writes
// the evidence record and announces the terminal status.
func (o *Orchestrator) finish(ctx context.Context, st *RunState) error {
	if !st.Plan.Status.Terminal() {
		if err := o.update(ctx, st, func(p *plan.Plan) error {
			p.Status = plan.StatusCompleted
			return nil
		}); err != nil {
			return err
		}
	}

	in := evidence.Inputs{
		Verification: st.Verification,
		Scans:        st.Scans,
		Recovery:     o.supervisor.Stats(st.Plan.ID),
		WorkDir:      o.opts.WorkDir,
	}
	if snap, err := o.gitSnapshot(); err != nil {
		in.GitError = err.Error()
	} else {
		in.Git = snap
	}

	rec := evidence.Build(st.Plan, in)
	path, err := o.evidence.Write(rec)
	switch {
	case errors.Is(err, evidence.ErrAlreadyWritten):
		o.logger.Warn(ctx, "evidence record already written", zap.String("path", o.evidence.Path(st.Plan.ID)))
		path = o.evidence.Path(st.Plan.ID)
	case err != nil:
		return fmt.Errorf("writing evidence: %w", err)
	}
	st.EvidencePath = path
	if err := o.evidence.RemoveJournal(st.Plan.ID); err != nil {
		o.logger.Warn(ctx, "removing run journal", zap.Error(err))
	}

	status := st.Plan.Status
	o.metrics.PlansTotal.WithLabelValues(string(status)).Inc()
	o.publish(ctx, terminalEvent(status), st, "", map[string]interface{}{
		"evidence_path": path,
		"overall":       rec.Score.Overall,
		"abort_reason":  st.Plan.AbortReason,
	})

	fields := []zap.Field{zap.String("status", string(status)), zap.String("evidence", path)}
	if status == plan.StatusCompleted {
		o.logger.Info(ctx, "plan finished", fields...)
	} else {
		o.logger.Warn(ctx, "plan finished", fields...)
	}
	return nil
}

func (o *Orchestrator) gitSnapshot() (*gitrepo.Snapshot, error) {
	repo, err := gitrepo.Open(o.opts.WorkDir)
	if err != nil {
		return nil, err
	}
	snap, err := repo.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func terminalEvent(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return events.PlanCompleted
	case plan.StatusAborted:
		return events.PlanAborted
	default:
		return events.PlanRequiresHuman
	}
}

// saveJournal persists scan reports and verification results so that a
// resumed run still records them. Failure leaves them in memory only.
func (o *Orchestrator) saveJournal(ctx context.Context, st *RunState) {
	err := o.evidence.SaveJournal(st.Plan.ID, evidence.Journal{
		Verification: st.Verification,
		Scans:        st.Scans,
	})
	if err != nil {
		o.logger.Warn(ctx, "saving run journal", zap.Error(err))
	}
}

func (o *Orchestrator) restoreJournal(ctx context.Context, st *RunState) {
	j, err := o.evidence.LoadJournal(st.Plan.ID)
	if err != nil {
		o.logger.Warn(ctx, "loading run journal", zap.Error(err))
		return
	}
	st.Verification, st.Scans = j.Verification, j.Scans
}
