// Package events publishes plan lifecycle and blackboard changes so that
// dashboards and other observers can follow orchestration without reading
// the state files.
//
// Events are published to NATS subjects:
//
//	{prefix}.plans.{plan_id}.{type}
//	{prefix}.blackboard.{type}
//
// Publishing is best-effort from the orchestrator's point of view: a
// failed publish is logged and never changes plan state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
)

// Event types.
const (
	PlanCreated        = "plan_created"
	PlanApproved       = "plan_approved"
	PlanRejected       = "plan_rejected"
	ApprovalRequested  = "approval_requested"
	StepStarted        = "step_started"
	StepExecuted       = "step_executed"
	SecurityBlock      = "security_block"
	PlanCompleted      = "plan_completed"
	PlanAborted        = "plan_aborted"
	PlanRequiresHuman  = "plan_requires_human"
	BlackboardUpdated  = "blackboard_updated"
	BlackboardCleared  = "blackboard_cleared"
	AdmissionRejected  = "admission_rejected"
	VerificationFailed = "verification_failed"
)

// Event is one published notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	PlanID    string                 `json:"plan_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New returns an event with a fresh ID and timestamp.
func New(eventType, planID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		PlanID:    planID,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Multi fans an event out to every publisher. All are attempted; the
// first error is returned.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subject returns the NATS subject for e under prefix.
func Subject(prefix string, e Event) string {
	if e.PlanID == "" {
		return fmt.Sprintf("%s.blackboard.%s", prefix, token(e.Type))
	}
	return fmt.Sprintf("%s.plans.%s.%s", prefix, token(e.PlanID), token(e.Type))
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// NATSPublisher publishes JSON-encoded events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

// NewNATSPublisher wraps an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "plangate"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logging.OrNop(logger).Named("events")}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("plangate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Publish sends e.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close drains the connection if the publisher opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = (*Recorder)(nil)
)
