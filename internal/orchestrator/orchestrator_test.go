package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	"github.com/fyrsmithlabs/plangate/internal/blackboard"
	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/recovery"
	"github.com/fyrsmithlabs/plangate/internal/security"
	"github.com/fyrsmithlabs/plangate/internal/store"
	"github.com/fyrsmithlabs/plangate/internal/telemetry"
)

type harness struct {
	orch     *Orchestrator
	store    *store.Store
	gate     *approval.Gate
	registry *executor.Registry
	events   *events.Recorder
	board    *blackboard.Blackboard
	evidence *evidence.Writer
	logs     *logging.TestLogger
	tel      *telemetry.TestTelemetry
	work     string

	mu        sync.Mutex
	requested []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0755))

	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	opts.WorkDir = work

	logs := logging.NewTestLogger()
	backend, err := store.NewFileBackend(filepath.Join(dir, "plans"))
	require.NoError(t, err)
	s := store.New(backend, opts.MaxRetries, logs.Logger)

	rec := &events.Recorder{}
	board, err := blackboard.Open(filepath.Join(dir, "blackboard"), rec, logs.Logger)
	require.NoError(t, err)
	ev, err := evidence.NewWriter(filepath.Join(dir, "evidence"))
	require.NoError(t, err)

	h := &harness{
		store:    s,
		gate:     approval.NewGate(logs.Logger),
		registry: executor.Default(executor.Options{WorkDir: work, Scanner: security.NewGate(nil, logs.Logger)}),
		events:   rec,
		board:    board,
		evidence: ev,
		logs:     logs,
		tel:      telemetry.NewTestTelemetry(),
		work:     work,
	}
	h.gate.OnRequest(func(r approval.Request) {
		h.mu.Lock()
		h.requested = append(h.requested, r.StepID)
		h.mu.Unlock()
	})

	h.orch, err = New(Deps{
		Store:      s,
		Gate:       h.gate,
		Executors:  h.registry,
		Evidence:   ev,
		Blackboard: board,
		Events:     rec,
		Telemetry:  h.tel.Telemetry,
		Logger:     logs.Logger,
	}, opts)
	require.NoError(t, err)
	return h
}

// decide answers every approval request for the listed steps.
func (h *harness) decide(decisions map[string]plan.Decision) {
	h.gate.OnRequest(func(r approval.Request) {
		if d, ok := decisions[r.StepID]; ok {
			_ = h.gate.Resolve(r.PlanID, r.StepID, d, "alice", "reviewed")
		}
	})
}

func (h *harness) requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requested...)
}

func (h *harness) admit(t *testing.T, doc map[string]interface{}) *plan.Plan {
	t.Helper()
	adm, err := h.orch.Admit(context.Background(), staticSource(t, doc))
	require.NoError(t, err)
	return adm.Plan
}

func (h *harness) run(t *testing.T, doc map[string]interface{}) (*plan.Plan, *evidence.Record) {
	t.Helper()
	p := h.admit(t, doc)
	final, err := h.orch.Run(context.Background(), p.ID)
	require.NoError(t, err)
	rec, err := h.evidence.Load(p.ID)
	require.NoError(t, err)
	return final, rec
}

func staticSource(t *testing.T, doc map[string]interface{}) Source {
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return SourceFunc(func(context.Context, *Rejection) (Document, error) {
		return Document{Name: "plan.json", Data: data}, nil
	})
}

func planDoc(id string, steps ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(steps))
	for i, s := range steps {
		list[i] = s
	}
	return map[string]interface{}{
		"plan_id":        id,
		"schema_version": plan.SchemaVersion,
		"version":        "1",
		"created_at":     "2026-01-02T03:04:05Z",
		"objective": map[string]interface{}{
			"description":      "exercise the pipeline",
			"success_criteria": []interface{}{"steps succeed"},
			"affected_paths":   []interface{}{},
		},
		"steps":    list,
		"evidence": map[string]interface{}{"analyzed_paths": []interface{}{}},
	}
}

func writeStep(id, target, content string) map[string]interface{} {
	return map[string]interface{}{
		"id":                id,
		"action_kind":       "write",
		"target":            target,
		"content":           content,
		"requires_approval": true,
	}
}

func commandStep(id, target string) map[string]interface{} {
	return map[string]interface{}{"id": id, "action_kind": "run_command", "target": target}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestRun_ScenarioB_SingleApprovedWrite(t *testing.T) {
	h := newHarness(t, Options{})
	h.decide(map[string]plan.Decision{"s1": plan.DecisionApprove})

	p, rec := h.run(t, planDoc("plan-b", writeStep("s1", "hello.txt", "hi\n")))

	assert.Equal(t, plan.StatusCompleted, p.Status)
	data, err := os.ReadFile(filepath.Join(h.work, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	require.Len(t, rec.Steps, 1)
	step := rec.Steps[0]
	assert.Equal(t, plan.StepSucceeded, step.Status)
	require.Len(t, step.Attempts, 1)
	require.NotNil(t, step.Approval)
	assert.Equal(t, plan.DecisionApprove, step.Approval.Decision)
	assert.Equal(t, plan.SourceHuman, step.Approval.Source)
	assert.Equal(t, "alice", step.Approval.Actor)
	assert.Equal(t, evidence.Pass, rec.Score.Overall)
	assert.Empty(t, rec.Diagnostics)
	assert.Equal(t, []string{"s1"}, h.requests())

	types := h.events.Types()
	assert.Contains(t, types, events.PlanCreated)
	assert.Contains(t, types, events.ApprovalRequested)
	assert.Contains(t, types, events.PlanApproved)
	assert.Contains(t, types, events.StepExecuted)
	assert.Equal(t, events.PlanCompleted, types[len(types)-1])

	h.tel.AssertSpanExists(t, "plan.run")
	h.tel.AssertSpanExists(t, "step.execute")
	h.logs.AssertLogged(t, zapcore.InfoLevel, "plan finished")

	snap := h.board.Snapshot()
	require.Contains(t, snap.Results, "plan-b/evidence")
	assert.Equal(t, "completed", snap.Results["plan-b/evidence"].Result["plan_status"])
}

func TestRun_ScenarioC_TimeoutsThenSuccess(t *testing.T) {
	h := newHarness(t, Options{CommandTimeout: 20 * time.Millisecond})
	var calls int32
	h.registry.Register(plan.ActionRunCommand, executor.Func(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			<-ctx.Done()
			return executor.Outcome{ExitCode: -1}, ctx.Err()
		}
		return executor.Outcome{Output: "ok"}, nil
	}))

	p, rec := h.run(t, planDoc("plan-c", commandStep("s1", "make build")))

	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	step := rec.Steps[0]
	require.Len(t, step.Attempts, 3)
	assert.Equal(t, 2, step.RetryCount)
	for _, a := range step.Attempts[:2] {
		assert.Equal(t, plan.StepFailed, a.Status)
		assert.Equal(t, plan.ClassTransient, a.ErrorClass)
	}
	assert.Equal(t, plan.StepSucceeded, step.Attempts[2].Status)
	assert.Equal(t, "ok", step.Result.Output)
	assert.Equal(t, 1, rec.Recovery.Recovered)
	assert.Equal(t, 2, rec.Recovery.Retries)
}

func TestRun_ScenarioD_SecurityBlockEscalatesImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	h.decide(map[string]plan.Decision{"s1": plan.DecisionApprove})
	var calls int32
	h.registry.Register(plan.ActionCommit, executor.Func(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		report := security.Report{
			Blocked:  true,
			Severity: security.SeverityCritical,
			Findings: []security.Finding{{RuleID: "private-key", File: "id_rsa", Line: 1}},
			Scanned:  1,
		}
		return executor.Outcome{ExitCode: 1, Scan: &report}, report.Err()
	}))
	before := testutil.ToFloat64(NewMetrics().SecurityBlocksTotal)

	p, rec := h.run(t, planDoc("plan-d", map[string]interface{}{
		"id": "s1", "action_kind": "commit", "requires_approval": true,
	}))

	assert.Equal(t, plan.StatusRequiresHuman, p.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	step := rec.Steps[0]
	assert.Equal(t, 0, step.RetryCount)
	require.Len(t, step.Attempts, 1)
	assert.Equal(t, plan.ClassSecurityGateBlocked, step.Attempts[0].ErrorClass)
	require.Len(t, rec.Diagnostics, 1)
	assert.Equal(t, plan.ClassSecurityGateBlocked, rec.Diagnostics[0].Class)
	assert.Equal(t, "s1", rec.Diagnostics[0].StepID)
	require.Len(t, rec.SecurityScans, 1)
	assert.True(t, rec.SecurityScans[0].Report.Blocked)
	assert.Equal(t, evidence.Fail, rec.Score.Overall)

	assert.Contains(t, h.events.Types(), events.SecurityBlock)
	assert.Equal(t, before+1, testutil.ToFloat64(NewMetrics().SecurityBlocksTotal))
}

func TestRun_ScenarioE_RejectAborts(t *testing.T) {
	h := newHarness(t, Options{})
	h.decide(map[string]plan.Decision{
		"s1": plan.DecisionApprove,
		"s2": plan.DecisionReject,
	})

	p, rec := h.run(t, planDoc("plan-e",
		writeStep("s1", "a.txt", "a"),
		writeStep("s2", "b.txt", "b"),
		commandStep("s3", "echo later"),
		writeStep("s4", "c.txt", "c"),
	))

	assert.Equal(t, plan.StatusAborted, p.Status)
	assert.Contains(t, p.AbortReason, "step s2 rejected by alice")
	assert.Equal(t, plan.StepSucceeded, rec.Steps[0].Status)
	assert.Equal(t, plan.StepRejected, rec.Steps[1].Status)
	for _, s := range rec.Steps[2:] {
		assert.Equal(t, plan.StepPending, s.Status, s.ID)
		assert.Empty(t, s.Attempts, s.ID)
	}
	require.Len(t, rec.Diagnostics, 1)
	assert.Equal(t, plan.ClassApprovalRejected, rec.Diagnostics[0].Class)
	_, err := os.Stat(filepath.Join(h.work, "b.txt"))
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, h.events.Types(), events.PlanRejected)
	assert.Equal(t, events.PlanAborted, h.events.Types()[len(h.events.Types())-1])
}

func TestRun_TransientExhaustionEscalatesAtMaxRetries(t *testing.T) {
	for _, max := range []int{1, 2, 3} {
		h := newHarness(t, Options{MaxRetries: max})
		var calls int32
		h.registry.Register(plan.ActionRunCommand, executor.Func(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
			atomic.AddInt32(&calls, 1)
			return executor.Outcome{ExitCode: -1}, recovery.Transientf("resource not ready")
		}))

		p, rec := h.run(t, planDoc("plan-x", commandStep("s1", "wait-for-db")))

		assert.Equal(t, plan.StatusRequiresHuman, p.Status, "max=%d", max)
		assert.Equal(t, int32(max), atomic.LoadInt32(&calls), "max=%d", max)
		assert.Equal(t, max, rec.Steps[0].RetryCount, "max=%d", max)
		require.Len(t, rec.Diagnostics, 1)
		assert.Equal(t, plan.ClassTransient, rec.Diagnostics[0].Class)
		assert.Equal(t, max, rec.Diagnostics[0].Attempts)
		require.NotNil(t, rec.Steps[0].Result)
		assert.Contains(t, rec.Steps[0].Result.Error, "resource not ready")
	}
}

func TestRun_NonTransientEscalatesWithZeroRetries(t *testing.T) {
	h := newHarness(t, Options{})

	p, rec := h.run(t, planDoc("plan-nt",
		commandStep("s1", "exit 7"),
		commandStep("s2", "echo unreachable"),
	))

	assert.Equal(t, plan.StatusRequiresHuman, p.Status)
	assert.Equal(t, 0, rec.Steps[0].RetryCount)
	require.Len(t, rec.Steps[0].Attempts, 1)
	assert.Equal(t, 7, rec.Steps[0].Attempts[0].ExitCode)
	assert.Equal(t, plan.ClassNonTransient, rec.Steps[0].Attempts[0].ErrorClass)
	assert.Equal(t, plan.StepPending, rec.Steps[1].Status)
}

func TestRun_ApproveAllRemainingIsProspective(t *testing.T) {
	h := newHarness(t, Options{})
	h.decide(map[string]plan.Decision{"s2": plan.DecisionApproveAllRemaining})

	p, rec := h.run(t, planDoc("plan-all",
		commandStep("s1", "true"),
		writeStep("s2", "one.txt", "1"),
		writeStep("s3", "two.txt", "2"),
		map[string]interface{}{"id": "s4", "action_kind": "delete", "target": "one.txt", "requires_approval": true},
	))

	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.Equal(t, []string{"s2"}, h.requests())
	require.NotNil(t, rec.ApproveAllGrant)
	assert.Equal(t, "s2", rec.ApproveAllGrant.FromStepID)
	assert.Equal(t, "alice", rec.ApproveAllGrant.Actor)

	assert.Nil(t, rec.Steps[0].Approval)
	assert.Equal(t, plan.SourceHuman, rec.Steps[1].Approval.Source)
	assert.Equal(t, plan.DecisionApproveAllRemaining, rec.Steps[1].Approval.Decision)
	for _, s := range rec.Steps[2:] {
		require.NotNil(t, s.Approval, s.ID)
		assert.Equal(t, plan.SourceApproveAllRemaining, s.Approval.Source, s.ID)
		assert.Equal(t, "alice", s.Approval.Actor, s.ID)
	}
	_, err := os.Stat(filepath.Join(h.work, "one.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_CancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.admit(t, planDoc("plan-cancel", commandStep("s1", "true"), writeStep("s2", "x.txt", "x")))

	ctx, cancel := context.WithCancel(context.Background())
	h.gate.OnRequest(func(approval.Request) { cancel() })

	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, plan.StatusAborted, final.Status)
	assert.Equal(t, "s2", final.CancelledAt)
	assert.Contains(t, final.AbortReason, "cancelled at s2")
	assert.Equal(t, plan.StepSucceeded, final.Steps[0].Status)
	assert.Equal(t, plan.StepPending, final.Steps[1].Status)
	assert.Empty(t, h.gate.Pending())

	rec, err := h.evidence.Load(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.CancelledAt)
	require.Len(t, rec.Diagnostics, 1)
	assert.Equal(t, plan.ClassCancelled, rec.Diagnostics[0].Class)
}

func TestRun_CancelDoesNotInterruptRunningStep(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.registry.Register(plan.ActionRunCommand, executor.Func(func(execCtx context.Context, req executor.Request) (executor.Outcome, error) {
		if req.Step.ID == "s1" {
			cancel()
			time.Sleep(10 * time.Millisecond)
			if execCtx.Err() != nil {
				return executor.Outcome{ExitCode: -1}, execCtx.Err()
			}
		}
		return executor.Outcome{Output: "done " + req.Step.ID}, nil
	}))
	p := h.admit(t, planDoc("plan-inflight", commandStep("s1", "long"), commandStep("s2", "next")))

	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, plan.StatusAborted, final.Status)
	assert.Equal(t, plan.StepSucceeded, final.Steps[0].Status)
	assert.Equal(t, "done s1", final.Steps[0].Result.Output)
	assert.Equal(t, plan.StepPending, final.Steps[1].Status)
	assert.Equal(t, "s2", final.CancelledAt)
	assert.True(t, h.evidence.Exists(p.ID))
}

func TestRun_VerificationFailureRequiresHuman(t *testing.T) {
	h := newHarness(t, Options{})
	doc := planDoc("plan-verify", commandStep("s1", "true"))
	doc["verification"] = map[string]interface{}{
		"method":   "command",
		"commands": []interface{}{"echo fine", "echo broken >&2; exit 3"},
	}

	p, rec := h.run(t, doc)

	assert.Equal(t, plan.StatusRequiresHuman, p.Status)
	require.Len(t, rec.Verification, 2)
	assert.True(t, rec.Verification[0].Success)
	assert.Equal(t, "fine\n", rec.Verification[0].Stdout)
	assert.False(t, rec.Verification[1].Success)
	assert.Equal(t, 3, rec.Verification[1].ExitCode)
	assert.Contains(t, rec.Verification[1].Stderr, "broken")
	require.Len(t, rec.Diagnostics, 1)
	assert.Contains(t, rec.Diagnostics[0].LastError, "exit 3")
	assert.False(t, rec.Score.VerificationPassed)
	assert.Contains(t, h.events.Types(), events.VerificationFailed)
}

func TestRun_HelpOutputAsVerificationRequiresHuman(t *testing.T) {
	h := newHarness(t, Options{})
	doc := planDoc("plan-help", commandStep("s1", "true"))
	doc["verification"] = map[string]interface{}{
		"commands": []interface{}{`printf 'Usage: tool [flags]\nOptions:\n  -h, --help  show help\n'`},
	}

	p, rec := h.run(t, doc)

	assert.Equal(t, plan.StatusRequiresHuman, p.Status)
	require.Len(t, rec.Diagnostics, 1)
	assert.Contains(t, rec.Diagnostics[0].LastError, string(ViolationHelpAsVerification))
	h.logs.AssertLogged(t, zapcore.ErrorLevel, "gate violation, escalating plan")
}

func TestRun_MissingWorkDirBlocksPreflight(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.admit(t, planDoc("plan-nowork", commandStep("s1", "true")))
	require.NoError(t, os.RemoveAll(h.work))

	final, err := h.orch.Run(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, plan.StatusRequiresHuman, final.Status)
	assert.Empty(t, final.Steps[0].Attempts)
	require.Len(t, final.Diagnostics, 1)
	assert.Contains(t, final.Diagnostics[0].LastError, string(ViolationWorkDirMissing))
	assert.True(t, h.evidence.Exists(p.ID))
}

func TestRun_ResumeClosesInterruptedAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.admit(t, planDoc("plan-resume", commandStep("s1", "echo one"), commandStep("s2", "echo two")))

	// Simulate a crash while s1 was running.
	ctx := context.Background()
	_, err := h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusApproved
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusExecuting
		s := p.Step("s1")
		s.Status = plan.StepRunning
		s.Attempts = append(s.Attempts, plan.Attempt{Number: 1, StartedAt: plan.Now(), Status: plan.StepRunning})
		return nil
	})
	require.NoError(t, err)

	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, plan.StatusCompleted, final.Status)
	s1 := final.Steps[0]
	require.Len(t, s1.Attempts, 2)
	assert.True(t, s1.Attempts[0].Interrupted)
	assert.Equal(t, plan.ClassTransient, s1.Attempts[0].ErrorClass)
	assert.Equal(t, plan.StepSucceeded, s1.Attempts[1].Status)
	assert.Equal(t, 1, s1.RetryCount)
	assert.Equal(t, "one\n", s1.Result.Output)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "closing interrupted attempt")
}

func TestRun_ResumeSkipsSucceededSteps(t *testing.T) {
	h := newHarness(t, Options{})
	var calls []string
	var mu sync.Mutex
	h.registry.Register(plan.ActionRunCommand, executor.Func(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
		mu.Lock()
		calls = append(calls, req.Step.ID)
		mu.Unlock()
		return executor.Outcome{}, nil
	}))
	p := h.admit(t, planDoc("plan-skip", commandStep("s1", "a"), commandStep("s2", "b")))

	ctx := context.Background()
	_, err := h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusApproved
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusExecuting
		s := p.Step("s1")
		s.Status = plan.StepRunning
		s.Attempts = append(s.Attempts, plan.Attempt{Number: 1, StartedAt: plan.Now(), Status: plan.StepRunning})
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		s := p.Step("s1")
		s.Status = plan.StepSucceeded
		s.Attempts[0].Status = plan.StepSucceeded
		s.Attempts[0].FinishedAt = plan.Now()
		s.Result = &plan.Result{}
		return nil
	})
	require.NoError(t, err)

	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, final.Status)
	assert.Equal(t, []string{"s2"}, calls)
}

func TestRun_ResumeKeepsJournaledScans(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.admit(t, planDoc("plan-journal", commandStep("s1", "true"), commandStep("s2", "true")))

	ctx := context.Background()
	_, err := h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusApproved
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		p.Status = plan.StatusExecuting
		s := p.Step("s1")
		s.Status = plan.StepRunning
		s.Attempts = append(s.Attempts, plan.Attempt{Number: 1, StartedAt: plan.Now(), Status: plan.StepRunning})
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, p.ID, func(p *plan.Plan) error {
		s := p.Step("s1")
		s.Status = plan.StepSucceeded
		s.Attempts[0].Status = plan.StepSucceeded
		s.Attempts[0].FinishedAt = plan.Now()
		s.Result = &plan.Result{}
		return nil
	})
	require.NoError(t, err)

	// The previous process scanned s1 and stopped before writing evidence.
	scanned := evidence.ScanRecord{StepID: "s1", Attempt: 1, Report: security.Report{Severity: security.SeverityNone, Scanned: 4}}
	require.NoError(t, h.evidence.SaveJournal(p.ID, evidence.Journal{Scans: []evidence.ScanRecord{scanned}}))

	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, final.Status)

	rec, err := h.evidence.Load(p.ID)
	require.NoError(t, err)
	require.Len(t, rec.SecurityScans, 1)
	assert.Equal(t, "s1", rec.SecurityScans[0].StepID)
	assert.Equal(t, 4, rec.SecurityScans[0].Report.Scanned)

	j, err := h.evidence.LoadJournal(p.ID)
	require.NoError(t, err)
	assert.Empty(t, j.Scans)
}

func TestRun_FinishedPlanIsNotRerun(t *testing.T) {
	h := newHarness(t, Options{})
	p, _ := h.run(t, planDoc("plan-once", commandStep("s1", "true")))
	created := len(h.events.Types())

	again, err := h.orch.Run(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, again.Status)
	assert.Len(t, again.Steps[0].Attempts, 1)
	assert.Len(t, h.events.Types(), created)
}

func TestRun_ConflictingOwner(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.admit(t, planDoc("plan-owned", commandStep("s1", "true")))
	require.NoError(t, h.store.Claim(context.Background(), p.ID, "someone-else"))

	_, err := h.orch.Run(context.Background(), p.ID)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.False(t, h.evidence.Exists(p.ID))
}

func TestRun_OutputIsScrubbed(t *testing.T) {
	h := newHarness(t, Options{})
	token := "ghp_" + "abcdefghijklmnopqrstuvwxyz0123456789"

	p, rec := h.run(t, planDoc("plan-scrub", commandStep("s1", "echo token="+token)))

	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.NotContains(t, rec.Steps[0].Result.Output, token)
	assert.Contains(t, rec.Steps[0].Result.Output, "[REDACTED]")
}

func TestRun_GatedStepNeverRunsWithoutApproval(t *testing.T) {
	h := newHarness(t, Options{GateNonWriteSteps: true})
	var ran int32
	h.registry.Register(plan.ActionRunCommand, executor.Func(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
		atomic.AddInt32(&ran, 1)
		return executor.Outcome{}, nil
	}))
	p := h.admit(t, planDoc("plan-gated", commandStep("s1", "true")))
	require.True(t, p.Steps[0].RequiresApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	final, err := h.orch.Run(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, plan.StatusAborted, final.Status)
	assert.True(t, errors.Is(context.Cause(ctx), context.DeadlineExceeded))
}

func TestOnProgress(t *testing.T) {
	h := newHarness(t, Options{})
	var phases []Phase
	h.orch.OnProgress(func(p PhaseProgress) {
		if p.Status == StatusCompleted {
			phases = append(phases, p.Phase)
		}
	})

	h.run(t, planDoc("plan-progress", commandStep("s1", "true")))
	assert.Equal(t, AllPhases(), phases)
}
