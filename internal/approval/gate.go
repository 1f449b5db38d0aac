// Package approval implements the human approval gate that suspends a
// pipeline in front of every gated step.
//
// A Gate never decides on its own: Request blocks until someone calls
// Resolve for the same plan and step, or until the caller's context is
// cancelled. There is no timeout that turns into an implicit approval.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

var (
	// ErrApprovalRejected marks a step the approver rejected.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrNoPendingRequest indicates Resolve found nothing waiting.
	ErrNoPendingRequest = errors.New("no pending approval request")

	// ErrAlreadyPending indicates a second Request for a step already waiting.
	ErrAlreadyPending = errors.New("approval already pending")

	// ErrInvalidDecision indicates an unknown decision value.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Request describes a step awaiting a decision.
type Request struct {
	PlanID      string          `json:"plan_id"`
	StepID      string          `json:"step_id"`
	Index       int             `json:"index"`
	ActionKind  plan.ActionKind `json:"action_kind"`
	Target      string          `json:"target,omitempty"`
	Description string          `json:"description,omitempty"`
	Rollback    string          `json:"rollback,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// RequestFor builds the Request for step i of p.
func RequestFor(p *plan.Plan, i int) Request {
	s := p.Steps[i]
	return Request{
		PlanID:      p.ID,
		StepID:      s.ID,
		Index:       i,
		ActionKind:  s.ActionKind,
		Target:      s.Target,
		Description: s.Description,
		Rollback:    s.Rollback,
	}
}

// Resolution is the approver's answer.
type Resolution struct {
	Decision  plan.Decision `json:"decision"`
	Actor     string        `json:"actor"`
	Reason    string        `json:"reason,omitempty"`
	DecidedAt time.Time     `json:"decided_at"`
}

// Approval converts r into the record stored on the step.
func (r Resolution) Approval() *plan.Approval {
	return &plan.Approval{
		Decision:  r.Decision,
		Source:    plan.SourceHuman,
		Actor:     r.Actor,
		Reason:    r.Reason,
		DecidedAt: r.DecidedAt,
	}
}

type key struct{ plan, step string }

type waiter struct {
	req Request
	ch  chan Resolution
}

// Gate holds outstanding approval requests.
type Gate struct {
	logger *logging.Logger

	mu        sync.Mutex
	pending   map[key]*waiter
	listeners []func(Request)
}

// NewGate returns an empty gate.
func NewGate(logger *logging.Logger) *Gate {
	return &Gate{
		logger:  logging.OrNop(logger).Named("approval"),
		pending: make(map[key]*waiter),
	}
}

// OnRequest registers fn to be called, synchronously, whenever a new
// request starts waiting. Listeners must not block.
func (g *Gate) OnRequest(fn func(Request)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Request suspends until the step is resolved or ctx is done. On
// cancellation the request is withdrawn and ctx.Err() is returned.
func (g *Gate) Request(ctx context.Context, req Request) (Resolution, error) {
	k := key{req.PlanID, req.StepID}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = plan.Now()
	}
	w := &waiter{req: req, ch: make(chan Resolution, 1)}

	g.mu.Lock()
	if _, exists := g.pending[k]; exists {
		g.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s/%s", ErrAlreadyPending, req.PlanID, req.StepID)
	}
	g.pending[k] = w
	listeners := append([]func(Request){}, g.listeners...)
	g.mu.Unlock()

	g.logger.Info(ctx, "awaiting approval",
		zap.String("plan.id", req.PlanID),
		zap.String("step.id", req.StepID),
		zap.String("action_kind", string(req.ActionKind)),
		zap.String("target", req.Target))
	for _, fn := range listeners {
		fn(req)
	}

	select {
	case res := <-w.ch:
		return res, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.pending[k] == w {
			delete(g.pending, k)
		}
		g.mu.Unlock()
		// A decision that raced the cancellation still wins.
		select {
		case res := <-w.ch:
			return res, nil
		default:
		}
		g.logger.Warn(ctx, "approval request withdrawn", zap.String("plan.id", req.PlanID), zap.String("step.id", req.StepID))
		return Resolution{}, ctx.Err()
	}
}

// Resolve answers the pending request for planID/stepID.
func (g *Gate) Resolve(planID, stepID string, decision plan.Decision, actor, reason string) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "unknown"
	}

	k := key{planID, stepID}
	g.mu.Lock()
	w, ok := g.pending[k]
	if ok {
		delete(g.pending, k)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoPendingRequest, planID, stepID)
	}

	w.ch <- Resolution{Decision: decision, Actor: actor, Reason: reason, DecidedAt: plan.Now()}
	return nil
}

// Pending lists waiting requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, w := range g.pending {
		out = append(out, w.req)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].Index < out[j].Index
	})
	return out
}
