package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	"github.com/fyrsmithlabs/plangate/internal/blackboard"
	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
	"github.com/fyrsmithlabs/plangate/internal/semantic"
	"github.com/fyrsmithlabs/plangate/internal/store"
	"github.com/fyrsmithlabs/plangate/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/plangate/internal/orchestrator"

// Deps are the collaborators of an Orchestrator. Store, Gate, Executors
// and Evidence are required.
type Deps struct {
	Store      *store.Store
	Gate       *approval.Gate
	Executors  *executor.Registry
	Evidence   *evidence.Writer
	Supervisor *recovery.Supervisor
	Blackboard *blackboard.Blackboard
	Events     events.Publisher
	Oracle     semantic.Oracle
	Scrubber   secrets.Scrubber
	Metrics    *Metrics
	Telemetry  *telemetry.Telemetry
	Logger     *logging.Logger
}

// Orchestrator admits and runs plans.
type Orchestrator struct {
	opts       Options
	store      *store.Store
	gate       *approval.Gate
	executors  *executor.Registry
	evidence   *evidence.Writer
	supervisor *recovery.Supervisor
	board      *blackboard.Blackboard
	events     events.Publisher
	oracle     semantic.Oracle
	scrubber   secrets.Scrubber
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *logging.Logger

	handlers         map[Phase]func(context.Context, *RunState) error
	gates            map[Phase][]PhaseGate
	progressCallback ProgressCallback
}

// New wires an Orchestrator. The default gates are registered: the work
// directory check before preflight, and the verification output and
// approval record checks before evidence.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: approval gate is required")
	case deps.Executors == nil:
		return nil, errors.New("orchestrator: executor registry is required")
	case deps.Evidence == nil:
		return nil, errors.New("orchestrator: evidence writer is required")
	}
	opts = opts.withDefaults()
	logger := logging.OrNop(deps.Logger).Named("orchestrator")

	o := &Orchestrator{
		opts:       opts,
		store:      deps.Store,
		gate:       deps.Gate,
		executors:  deps.Executors,
		evidence:   deps.Evidence,
		supervisor: deps.Supervisor,
		board:      deps.Blackboard,
		events:     events.OrNop(deps.Events),
		oracle:     deps.Oracle,
		scrubber:   deps.Scrubber,
		metrics:    deps.Metrics,
		tracer:     deps.Telemetry.Tracer(instrumentationName),
		logger:     logger,
		gates:      make(map[Phase][]PhaseGate),
	}
	if o.supervisor == nil {
		o.supervisor = recovery.NewSupervisor(opts.MaxRetries, deps.Logger)
	}
	if o.oracle == nil {
		o.oracle = semantic.NewFSOracle(opts.WorkDir)
	}
	if o.scrubber == nil {
		s, err := secrets.New(secrets.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		o.scrubber = s
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}

	o.handlers = map[Phase]func(context.Context, *RunState) error{
		PhasePreflight:    o.preflight,
		PhaseExecution:    o.execution,
		PhaseVerification: o.verification,
		PhaseEvidence:     o.finish,
	}
	o.RegisterGate(PhasePreflight, NewWorkDirGate(opts.WorkDir))
	o.RegisterGate(PhaseEvidence, NewVerificationOutputGate())
	o.RegisterGate(PhaseEvidence, NewApprovalRecordGate())
	return o, nil
}

// RegisterGate adds a gate checked before phase starts.
func (o *Orchestrator) RegisterGate(phase Phase, gate PhaseGate) {
	o.gates[phase] = append(o.gates[phase], gate)
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.progressCallback = callback
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Orchestrate admits a plan from src and runs it.
func (o *Orchestrator) Orchestrate(ctx context.Context, src Source) (*plan.Plan, error) {
	adm, err := o.Admit(ctx, src)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, adm.Plan.ID)
}

// Run drives plan id to a terminal status and writes its evidence record.
// Cancelling ctx aborts the plan at the next step boundary; it never
// interrupts a running executor. The returned error reports infrastructure
// failures only. A plan that ends aborted or requires_human is a normal
// result.
func (o *Orchestrator) Run(ctx context.Context, id string) (*plan.Plan, error) {
	ctx = store.WithOwner(logging.WithPlanID(ctx, id), o.opts.ID)
	ctx = logging.WithActor(ctx, o.opts.ID)
	if err := o.store.Claim(ctx, id, o.opts.ID); err != nil {
		return nil, err
	}
	defer o.store.Release(id, o.opts.ID)

	ctx, span := o.tracer.Start(ctx, "plan.run", trace.WithAttributes(attribute.String("plan.id", id)))
	defer span.End()

	p, err := o.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if p.Status.Terminal() && o.evidence.Exists(id) {
		o.logger.Info(ctx, "plan already finished", zap.String("status", string(p.Status)))
		return p, nil
	}
	o.logger.Info(ctx, "running plan", zap.String("status", string(p.Status)), zap.Int("steps", len(p.Steps)))

	st := newRunState(p)
	o.restoreJournal(ctx, st)
	if err := o.execute(ctx, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st.Plan, err
	}
	span.SetAttributes(attribute.String("plan.status", string(st.Plan.Status)))
	return st.Plan, nil
}

// execute runs every phase. Once the plan is terminal only the evidence
// phase still runs.
func (o *Orchestrator) execute(ctx context.Context, st *RunState) error {
	phases := AllPhases()
	total := len(phases)

	for i, phase := range phases {
		phaseCtx := logging.WithPhase(ctx, string(phase))
		if phase != PhaseEvidence {
			if st.Plan.Status.Terminal() {
				st.Results[phase] = &PhaseResult{Phase: phase, Status: StatusSkipped, StartedAt: time.Now()}
				continue
			}
			if ctx.Err() != nil {
				if err := o.abortCancelled(phaseCtx, st, string(phase)); err != nil {
					return err
				}
				continue
			}
		}

		o.reportProgress(PhaseProgress{
			PlanID:     st.Plan.ID,
			Phase:      phase,
			Status:     StatusInProgress,
			Message:    fmt.Sprintf("Starting phase: %s", phase),
			Percentage: (i * 100) / total,
		})
		o.boardStart(phaseCtx, st, phase, "")

		result := &PhaseResult{Phase: phase, Status: StatusInProgress, StartedAt: time.Now()}
		st.Results[phase] = result

		if !st.Plan.Status.Terminal() {
			violations, err := o.checkGates(phaseCtx, phase, st)
			if err != nil {
				result.Status = StatusFailed
				result.Error = err.Error()
				return fmt.Errorf("gate check error for phase %s: %w", phase, err)
			}
			if err := o.handleViolations(phaseCtx, st, phase, violations); err != nil {
				return err
			}
		}

		if phase == PhaseEvidence || !st.Plan.Status.Terminal() {
			if err := o.handlers[phase](phaseCtx, st); err != nil {
				result.Status = StatusFailed
				result.Error = err.Error()
				o.boardError(phaseCtx, st, phase, err.Error())
				return fmt.Errorf("phase %s: %w", phase, err)
			}
		}

		result.Status = StatusCompleted
		result.CompletedAt = time.Now()
		o.boardEnd(phaseCtx, st, phase)
		o.reportProgress(PhaseProgress{
			PlanID:     st.Plan.ID,
			Phase:      phase,
			Status:     StatusCompleted,
			Message:    fmt.Sprintf("Completed phase: %s (plan %s)", phase, st.Plan.Status),
			Percentage: ((i + 1) * 100) / total,
		})
	}
	return nil
}

// checkGates runs all gates for a phase and returns violations.
func (o *Orchestrator) checkGates(ctx context.Context, phase Phase, st *RunState) ([]Violation, error) {
	var all []Violation
	for _, gate := range o.gates[phase] {
		violations, err := gate.Check(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		all = append(all, violations...)
	}
	return all, nil
}

// handleViolations records violations and escalates the plan when any of
// them blocks.
func (o *Orchestrator) handleViolations(ctx context.Context, st *RunState, phase Phase, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	st.Violations = append(st.Violations, violations...)
	desc := describeViolations(violations)
	if !hasBlockingViolation(violations) {
		o.logger.Warn(ctx, "gate warnings", zap.String("violations", desc))
		return nil
	}

	o.logger.Error(ctx, "gate violation, escalating plan", zap.String("violations", desc))
	stepID := stepOf(violations)
	o.metrics.EscalationsTotal.WithLabelValues(string(plan.ClassNonTransient)).Inc()
	return o.update(ctx, st, func(p *plan.Plan) error {
		attempts, retries := attemptsOf(p, stepID)
		p.Status = plan.StatusRequiresHuman
		p.Diagnostics = append(p.Diagnostics, plan.Diagnostic{
			StepID:     stepID,
			Class:      plan.ClassNonTransient,
			LastError:  fmt.Sprintf("gate violation before %s: %s", phase, desc),
			Attempts:   attempts,
			RetryCount: retries,
			RecordedAt: plan.Now(),
		})
		return nil
	})
}

// abortCancelled moves the plan to aborted, recording where cancellation
// was observed.
func (o *Orchestrator) abortCancelled(ctx context.Context, st *RunState, point string) error {
	reason := fmt.Sprintf("cancelled at %s: %v", point, context.Cause(ctx))
	o.logger.Warn(ctx, "plan cancelled", zap.String("cancelled_at", point))
	return o.update(ctx, st, func(p *plan.Plan) error {
		stepID := ""
		if p.Step(point) != nil {
			stepID = point
		}
		attempts, retries := attemptsOf(p, stepID)
		p.Status = plan.StatusAborted
		p.CancelledAt = point
		p.AbortReason = reason
		p.Diagnostics = append(p.Diagnostics, plan.Diagnostic{
			StepID:     stepID,
			Class:      plan.ClassCancelled,
			LastError:  reason,
			Attempts:   attempts,
			RetryCount: retries,
			RecordedAt: plan.Now(),
		})
		return nil
	})
}

// update commits mutate through the store and refreshes st.Plan. Store
// writes ignore cancellation so that an abort can still be recorded.
func (o *Orchestrator) update(ctx context.Context, st *RunState, mutate store.Mutator) error {
	p, err := o.store.Update(context.WithoutCancel(ctx), st.Plan.ID, mutate)
	if err != nil {
		return err
	}
	st.Plan = p
	return nil
}

// publish sends an event. Failures are logged and otherwise ignored.
func (o *Orchestrator) publish(ctx context.Context, eventType string, st *RunState, stepID string, data map[string]interface{}) {
	e := events.New(eventType, st.Plan.ID)
	e.StepID = stepID
	e.Actor = o.opts.ID
	e.Phase = logging.PhaseFromContext(ctx)
	e.Data = data
	if err := o.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn(ctx, "event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// reportProgress sends progress updates to the callback.
func (o *Orchestrator) reportProgress(progress PhaseProgress) {
	if o.progressCallback != nil {
		o.progressCallback(progress)
	}
}

func (o *Orchestrator) attribution(st *RunState, phase Phase) blackboard.Attribution {
	return blackboard.Attribution{PlanID: st.Plan.ID, Phase: string(phase), Actor: o.opts.ID}
}

func (o *Orchestrator) boardStart(ctx context.Context, st *RunState, phase Phase, stepID string) {
	if o.board == nil {
		return
	}
	if err := o.board.StartPhase(context.WithoutCancel(ctx), o.attribution(st, phase), stepID); err != nil {
		o.logger.Warn(ctx, "blackboard update failed", zap.Error(err))
	}
}

func (o *Orchestrator) boardEnd(ctx context.Context, st *RunState, phase Phase) {
	if o.board == nil {
		return
	}
	result := map[string]interface{}{"plan_status": string(st.Plan.Status)}
	if phase == PhaseEvidence && st.EvidencePath != "" {
		result["evidence_path"] = st.EvidencePath
	}
	if err := o.board.EndPhase(context.WithoutCancel(ctx), o.attribution(st, phase), result); err != nil {
		o.logger.Warn(ctx, "blackboard update failed", zap.Error(err))
	}
}

func (o *Orchestrator) boardError(ctx context.Context, st *RunState, phase Phase, msg string) {
	if o.board == nil {
		return
	}
	if err := o.board.AddError(context.WithoutCancel(ctx), o.attribution(st, phase), msg); err != nil {
		o.logger.Warn(ctx, "blackboard update failed", zap.Error(err))
	}
}
