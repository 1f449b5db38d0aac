package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
)

// preflight closes attempts a crash left open and accepts the plan for
// execution.
func (o *Orchestrator) preflight(ctx context.Context, st *RunState) error {
	for _, s := range st.Plan.Steps {
		if s.Status != plan.StepRunning {
			continue
		}
		if err := o.closeInterrupted(logging.WithStep(ctx, s.ID), st, s.ID); err != nil {
			return err
		}
		if st.Plan.Status.Terminal() {
			return nil
		}
	}
	if st.Plan.Status != plan.StatusValidated {
		return nil
	}
	return o.update(ctx, st, func(p *plan.Plan) error {
		p.Status = plan.StatusApproved
		return nil
	})
}

// closeInterrupted finalizes the open attempt of a step found running at
// load time as a transient failure and lets the supervisor decide.
func (o *Orchestrator) closeInterrupted(ctx context.Context, st *RunState, id string) error {
	step := *st.Plan.Step(id)
	number := len(step.Attempts)
	failure := recovery.Transientf("attempt %d interrupted before completion", number)
	d := o.supervisor.OnStepFailure(ctx, st.Plan.ID, step, failure)
	o.logger.Warn(ctx, "closing interrupted attempt", zap.Int("attempt", number), zap.String("decision", string(d.Action)))

	if err := o.update(ctx, st, func(p *plan.Plan) error {
		s := p.Step(id)
		if n := len(s.Attempts); n > 0 && s.Attempts[n-1].FinishedAt.IsZero() {
			a := &s.Attempts[n-1]
			a.FinishedAt = plan.Now()
			a.Status = plan.StepFailed
			a.ExitCode = -1
			a.Error = failure.Error()
			a.ErrorClass = plan.ClassTransient
			a.Interrupted = true
		}
		s.Status = plan.StepFailed
		d.Apply(p, id, failure.Error())
		if d.Action == recovery.ActionEscalate {
			s.Result = &plan.Result{ExitCode: -1, Error: failure.Error()}
		}
		return nil
	}); err != nil {
		return err
	}
	if d.Action == recovery.ActionEscalate {
		o.metrics.EscalationsTotal.WithLabelValues(string(d.Class)).Inc()
	}
	return nil
}

// execution runs the steps in order until they all succeed or the plan
// becomes terminal.
func (o *Orchestrator) execution(ctx context.Context, st *RunState) error {
	for i := range st.Plan.Steps {
		s := st.Plan.Steps[i]
		if s.Status == plan.StepSucceeded || s.Status == plan.StepSkipped {
			continue
		}
		stepCtx := logging.WithStep(ctx, s.ID)
		if ctx.Err() != nil {
			return o.abortCancelled(stepCtx, st, s.ID)
		}

		if s.RequiresApproval && s.Approval == nil {
			ok, err := o.approve(stepCtx, st, i)
			if err != nil || !ok {
				return err
			}
		}
		if err := o.runStep(stepCtx, st, i); err != nil {
			return err
		}
		if st.Plan.Status.Terminal() {
			return nil
		}
	}
	return nil
}

// approve obtains a decision for step i, either from an earlier
// approve_all_remaining grant or from the approval gate. It reports
// whether the step may run; when it may not, the plan is already aborted.
func (o *Orchestrator) approve(ctx context.Context, st *RunState, i int) (bool, error) {
	id := st.Plan.Steps[i].ID

	if grant := st.Plan.ApproveAllGrant; grant != nil {
		a := &plan.Approval{
			Decision:  plan.DecisionApproveAllRemaining,
			Source:    plan.SourceApproveAllRemaining,
			Actor:     grant.Actor,
			Reason:    grant.Reason,
			DecidedAt: plan.Now(),
		}
		if err := o.recordApproval(ctx, st, id, a, nil); err != nil {
			return false, err
		}
		o.logger.Info(ctx, "step covered by approve_all_remaining", zap.String("granted_at_step", grant.FromStepID))
		return true, nil
	}

	approvalCtx := logging.WithPhase(ctx, string(PhaseApproval))
	o.boardStart(approvalCtx, st, PhaseApproval, id)
	req := approval.RequestFor(st.Plan, i)
	o.publish(approvalCtx, events.ApprovalRequested, st, id, map[string]interface{}{
		"action_kind": string(req.ActionKind),
		"target":      req.Target,
	})
	o.reportProgress(PhaseProgress{
		PlanID:  st.Plan.ID,
		Phase:   PhaseApproval,
		StepID:  id,
		Status:  StatusInProgress,
		Message: fmt.Sprintf("Awaiting approval for %s %s", req.ActionKind, req.Target),
	})

	res, err := o.gate.Request(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return false, o.abortCancelled(ctx, st, id)
		}
		return false, err
	}
	o.boardEnd(approvalCtx, st, PhaseApproval)

	a := res.Approval()
	switch res.Decision {
	case plan.DecisionReject:
		return false, o.reject(approvalCtx, st, id, a)
	case plan.DecisionApproveAllRemaining:
		grant := &plan.ApproveAllGrant{FromStepID: id, Actor: res.Actor, Reason: res.Reason, GrantedAt: res.DecidedAt}
		return true, o.recordApproval(approvalCtx, st, id, a, grant)
	default:
		return true, o.recordApproval(approvalCtx, st, id, a, nil)
	}
}

func (o *Orchestrator) recordApproval(ctx context.Context, st *RunState, id string, a *plan.Approval, grant *plan.ApproveAllGrant) error {
	if err := o.update(ctx, st, func(p *plan.Plan) error {
		s := p.Step(id)
		s.Approval = a
		s.Status = plan.StepApproved
		if grant != nil && p.ApproveAllGrant == nil {
			p.ApproveAllGrant = grant
		}
		return nil
	}); err != nil {
		return err
	}
	o.metrics.ApprovalsTotal.WithLabelValues(string(a.Decision)).Inc()
	o.publish(ctx, events.PlanApproved, st, id, map[string]interface{}{
		"decision": string(a.Decision),
		"source":   string(a.Source),
		"actor":    a.Actor,
	})
	return nil
}

// reject aborts the plan. Later steps stay pending.
func (o *Orchestrator) reject(ctx context.Context, st *RunState, id string, a *plan.Approval) error {
	reason := fmt.Sprintf("step %s rejected by %s", id, a.Actor)
	if a.Reason != "" {
		reason += ": " + a.Reason
	}
	o.logger.Warn(ctx, "step rejected, aborting plan", zap.String("actor", a.Actor))

	if err := o.update(ctx, st, func(p *plan.Plan) error {
		s := p.Step(id)
		s.Approval = a
		s.Status = plan.StepRejected
		p.Status = plan.StatusAborted
		p.AbortReason = reason
		p.Diagnostics = append(p.Diagnostics, plan.Diagnostic{
			StepID:     id,
			Class:      plan.ClassApprovalRejected,
			LastError:  fmt.Errorf("%w: %s", approval.ErrApprovalRejected, reason).Error(),
			Attempts:   len(s.Attempts),
			RetryCount: s.RetryCount,
			RecordedAt: plan.Now(),
		})
		return nil
	}); err != nil {
		return err
	}
	o.metrics.ApprovalsTotal.WithLabelValues(string(plan.DecisionReject)).Inc()
	o.publish(ctx, events.PlanRejected, st, id, map[string]interface{}{
		"actor":  a.Actor,
		"reason": a.Reason,
	})
	return nil
}

// runStep executes step i until it succeeds, the supervisor escalates, or
// cancellation is observed between attempts.
func (o *Orchestrator) runStep(ctx context.Context, st *RunState, i int) error {
	id := st.Plan.Steps[i].ID
	for {
		if ctx.Err() != nil {
			return o.abortCancelled(ctx, st, id)
		}

		number := len(st.Plan.Steps[i].Attempts) + 1
		if err := o.update(ctx, st, func(p *plan.Plan) error {
			if p.Status == plan.StatusApproved {
				p.Status = plan.StatusExecuting
			}
			s := p.Step(id)
			s.Status = plan.StepRunning
			s.Attempts = append(s.Attempts, plan.Attempt{Number: number, StartedAt: plan.Now(), Status: plan.StepRunning})
			return nil
		}); err != nil {
			return err
		}
		step := st.Plan.Steps[i]
		o.publish(ctx, events.StepStarted, st, id, map[string]interface{}{"attempt": number})

		started := time.Now()
		out, execErr := o.invoke(ctx, st, step, number)
		elapsed := time.Since(started)

		if out.Scan != nil {
			st.Scans = append(st.Scans, evidence.ScanRecord{StepID: id, Attempt: number, Report: *out.Scan})
			o.saveJournal(ctx, st)
		}
		class := recovery.Classify(execErr)
		output := secrets.Capture(o.scrubber, out.Output, o.opts.OutputLimit)
		errText := ""
		if execErr != nil {
			errText = secrets.Capture(o.scrubber, failureText(execErr, out.Stderr), o.opts.ErrorOutputLimit)
		}

		var d recovery.Decision
		if execErr != nil {
			d = o.supervisor.OnStepFailure(ctx, st.Plan.ID, step, execErr)
		}
		if err := o.update(ctx, st, func(p *plan.Plan) error {
			s := p.Step(id)
			a := &s.Attempts[len(s.Attempts)-1]
			a.FinishedAt = plan.Now()
			a.ExitCode = out.ExitCode
			a.Output = output
			a.Error = errText
			a.ErrorClass = class
			if execErr == nil {
				a.Status = plan.StepSucceeded
				s.Status = plan.StepSucceeded
				s.Result = &plan.Result{ExitCode: out.ExitCode, Output: output}
				return nil
			}
			a.Status = plan.StepFailed
			s.Status = plan.StepFailed
			d.Apply(p, id, errText)
			if d.Action == recovery.ActionEscalate {
				s.Result = &plan.Result{ExitCode: out.ExitCode, Output: output, Error: errText}
			}
			return nil
		}); err != nil {
			return err
		}

		outcome := "succeeded"
		if execErr != nil {
			outcome = "failed"
		}
		kind := string(step.ActionKind)
		o.metrics.StepAttemptsTotal.WithLabelValues(kind, outcome).Inc()
		o.metrics.StepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
		o.publish(ctx, events.StepExecuted, st, id, map[string]interface{}{
			"attempt":   number,
			"status":    outcome,
			"exit_code": out.ExitCode,
			"class":     string(class),
		})

		if execErr == nil {
			o.supervisor.OnStepSuccess(st.Plan.ID, st.Plan.Steps[i])
			o.logger.Info(ctx, "step succeeded", zap.Int("attempt", number), zap.Duration("duration", elapsed))
			return nil
		}
		if class == plan.ClassSecurityGateBlocked {
			o.metrics.SecurityBlocksTotal.Inc()
			data := map[string]interface{}{"attempt": number, "error": errText}
			if out.Scan != nil {
				data["severity"] = string(out.Scan.Severity)
				data["findings"] = len(out.Scan.Findings)
			}
			o.publish(ctx, events.SecurityBlock, st, id, data)
		}
		if d.Action == recovery.ActionEscalate {
			o.metrics.EscalationsTotal.WithLabelValues(string(d.Class)).Inc()
			return nil
		}
	}
}

// invoke calls the executor for one attempt. The call is bounded by the
// step timeout and detached from cancellation of ctx.
func (o *Orchestrator) invoke(ctx context.Context, st *RunState, step plan.Step, number int) (executor.Outcome, error) {
	timeout := o.opts.CommandTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	execCtx, span := o.tracer.Start(execCtx, "step.execute", trace.WithAttributes(
		attribute.String("plan.id", st.Plan.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.ActionKind)),
		attribute.Int("step.attempt", number),
	))
	defer span.End()

	req := executor.Request{
		PlanID:        st.Plan.ID,
		Step:          step,
		Attempt:       number,
		CommitMessage: st.Plan.CommitProposal.Subject(),
	}
	out, err := o.executors.Execute(execCtx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("step.exit_code", out.ExitCode))
	return out, err
}

// failureText joins the error with the tail of stderr.
func failureText(err error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err.Error()
	}
	return err.Error() + "\n" + stderr
}
