package recovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
)

// Action is the supervisor's verdict for a failed step.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
)

// Decision is the outcome of one failure.
type Decision struct {
	Action Action          `json:"action"`
	Class  plan.ErrorClass `json:"class"`
	// RetryCount is the step's retry_count after this failure.
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
}

// Policy bounds retries.
type Policy struct {
	MaxRetries int
}

// Decide is a pure function of the step's retry count and the failure
// class. Transient failures retry while the incremented count stays below
// MaxRetries and escalate with retry_count == MaxRetries once it reaches
// it. Every other class escalates with the count unchanged.
func (p Policy) Decide(retryCount int, class plan.ErrorClass) Decision {
	if class != plan.ClassTransient {
		return Decision{Action: ActionEscalate, Class: class, RetryCount: retryCount, Reason: "failure is not retryable"}
	}
	next := retryCount + 1
	if next < p.MaxRetries {
		return Decision{Action: ActionRetry, Class: class, RetryCount: next, Reason: "transient failure"}
	}
	if next > p.MaxRetries {
		next = p.MaxRetries
	}
	return Decision{Action: ActionEscalate, Class: class, RetryCount: next, Reason: "retries exhausted"}
}

// Apply records d against step stepID of p: the retry count always, and
// on escalation the requires_human transition plus a diagnostic.
func (d Decision) Apply(p *plan.Plan, stepID, lastErr string) {
	s := p.Step(stepID)
	if s == nil {
		return
	}
	if d.RetryCount > s.RetryCount {
		s.RetryCount = d.RetryCount
	}
	if d.Action != ActionEscalate {
		return
	}
	p.Status = plan.StatusRequiresHuman
	p.Diagnostics = append(p.Diagnostics, plan.Diagnostic{
		StepID:     stepID,
		Class:      d.Class,
		LastError:  lastErr,
		Attempts:   len(s.Attempts),
		RetryCount: s.RetryCount,
		RecordedAt: plan.Now(),
	})
}

// Stats counts recovery activity for one plan.
type Stats struct {
	Failures    int                     `json:"failures"`
	Retries     int                     `json:"retries"`
	Escalations int                     `json:"escalations"`
	Recovered   int                     `json:"recovered"`
	ByClass     map[plan.ErrorClass]int `json:"by_class,omitempty"`
}

// Supervisor classifies failures, applies the policy and keeps stats.
type Supervisor struct {
	policy Policy
	logger *logging.Logger

	mu    sync.Mutex
	stats map[string]*Stats
}

// NewSupervisor returns a supervisor enforcing maxRetries.
func NewSupervisor(maxRetries int, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		policy: Policy{MaxRetries: maxRetries},
		logger: logging.OrNop(logger).Named("recovery"),
		stats:  make(map[string]*Stats),
	}
}

// MaxRetries returns the configured bound.
func (s *Supervisor) MaxRetries() int { return s.policy.MaxRetries }

// OnStepFailure decides what to do about err from step.
func (s *Supervisor) OnStepFailure(ctx context.Context, planID string, step plan.Step, err error) Decision {
	class := Classify(err)
	d := s.policy.Decide(step.RetryCount, class)

	s.mu.Lock()
	st := s.statsFor(planID)
	st.Failures++
	st.ByClass[class]++
	if d.Action == ActionRetry {
		st.Retries++
	} else {
		st.Escalations++
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("plan.id", planID),
		zap.String("step.id", step.ID),
		zap.String("class", string(class)),
		zap.Int("retry_count", d.RetryCount),
		zap.Error(err),
	}
	if d.Action == ActionRetry {
		s.logger.Warn(ctx, "retrying step", fields...)
	} else {
		s.logger.Error(ctx, "escalating step", append(fields, zap.String("reason", d.Reason))...)
	}
	return d
}

// OnStepSuccess counts a step that succeeded after at least one retry.
func (s *Supervisor) OnStepSuccess(planID string, step plan.Step) {
	if step.RetryCount == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(planID).Recovered++
}

// Stats returns a copy of the counters for planID.
func (s *Supervisor) Stats(planID string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[planID]
	if !ok {
		return Stats{}
	}
	out := *st
	out.ByClass = make(map[plan.ErrorClass]int, len(st.ByClass))
	for k, v := range st.ByClass {
		out.ByClass[k] = v
	}
	return out
}

func (s *Supervisor) statsFor(planID string) *Stats {
	st, ok := s.stats[planID]
	if !ok {
		st = &Stats{ByClass: make(map[plan.ErrorClass]int)}
		s.stats[planID] = st
	}
	return st
}
