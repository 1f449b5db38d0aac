package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/plan"
	"github.com/fyrsmithlabs/plangate/internal/schema"
	"github.com/fyrsmithlabs/plangate/internal/semantic"
)

var (
	// ErrAdmissionFailed means no document from the source passed both the
	// schema and the semantic checks.
	ErrAdmissionFailed = errors.New("plan admission failed")

	// ErrSourceExhausted is returned by a Source that has no further revision.
	ErrSourceExhausted = errors.New("plan source exhausted")
)

// Document is one plan document as produced.
type Document struct {
	// Name selects the decoder by extension (.json, .yaml, .yml).
	Name string
	Data []byte
}

// Source produces plan documents. Next receives the rejection of the
// previous document, or nil on the first call, so a producer can revise.
type Source interface {
	Next(ctx context.Context, previous *Rejection) (Document, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, previous *Rejection) (Document, error)

// Next implements Source.
func (f SourceFunc) Next(ctx context.Context, previous *Rejection) (Document, error) {
	return f(ctx, previous)
}

// FileSource serves a plan file once. A file cannot revise itself, so a
// second call reports ErrSourceExhausted.
type FileSource struct {
	Path   string
	served bool
}

// Next implements Source.
func (f *FileSource) Next(ctx context.Context, previous *Rejection) (Document, error) {
	if f.served {
		return Document{}, ErrSourceExhausted
	}
	f.served = true
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Document{}, fmt.Errorf("reading plan %s: %w", f.Path, err)
	}
	return Document{Name: f.Path, Data: data}, nil
}

// Rejection explains why one document was refused.
type Rejection struct {
	Attempt      int                  `json:"attempt"`
	PlanID       string               `json:"plan_id,omitempty"`
	Class        plan.ErrorClass      `json:"class"`
	Violations   []schema.Violation   `json:"violations,omitempty"`
	Hallucinated []semantic.Reference `json:"hallucinated,omitempty"`
	Err          error                `json:"-"`
}

// Admission is the outcome of Admit.
type Admission struct {
	Plan       *plan.Plan
	Warnings   []schema.Violation
	Rejections []Rejection
}

// Admit pulls documents from src until one passes schema validation and
// semantic verification, up to MaxAdmissionAttempts, and stores it as
// validated. Rejected documents never reach the store. The error wraps
// ErrAdmissionFailed together with the last rejection's error.
func (o *Orchestrator) Admit(ctx context.Context, src Source) (*Admission, error) {
	adm := &Admission{}
	var previous *Rejection

	for attempt := 1; attempt <= o.opts.MaxAdmissionAttempts; attempt++ {
		doc, err := src.Next(ctx, previous)
		if errors.Is(err, ErrSourceExhausted) {
			break
		}
		if err != nil {
			return adm, err
		}

		p, warnings, rej := o.check(doc, attempt)
		if rej != nil {
			adm.Rejections = append(adm.Rejections, *rej)
			previous = &adm.Rejections[len(adm.Rejections)-1]
			o.rejectDocument(ctx, previous)
			continue
		}

		p.Status = plan.StatusValidated
		if err := o.store.Create(ctx, p); err != nil {
			return adm, err
		}
		adm.Plan = p
		adm.Warnings = warnings

		ctx = logging.WithPlanID(ctx, p.ID)
		o.logger.Info(ctx, "plan admitted", zap.Int("attempt", attempt), zap.Int("steps", len(p.Steps)), zap.Int("warnings", len(warnings)))
		st := &RunState{Plan: p}
		o.publish(ctx, events.PlanCreated, st, "", map[string]interface{}{
			"attempt": attempt,
			"steps":   len(p.Steps),
		})
		return adm, nil
	}

	if len(adm.Rejections) == 0 {
		return adm, fmt.Errorf("%w: no plan document produced", ErrAdmissionFailed)
	}
	last := adm.Rejections[len(adm.Rejections)-1]
	return adm, fmt.Errorf("%w after %d attempt(s): %w", ErrAdmissionFailed, len(adm.Rejections), last.Err)
}

// Validate decodes and schema-checks doc without storing anything.
func (o *Orchestrator) Validate(doc Document) schema.Result {
	tree, err := schema.Decode(doc.Data, doc.Name)
	if err != nil {
		return schema.Result{Violations: []schema.Violation{{FieldPath: "$", Reason: err.Error()}}}
	}
	return schema.Validate(tree, schema.Options{GateNonWriteSteps: o.opts.GateNonWriteSteps})
}

// Verify runs the semantic verifier against the orchestrator's oracle.
func (o *Orchestrator) Verify(p *plan.Plan) semantic.Result {
	return semantic.Verify(p, o.oracle)
}

func (o *Orchestrator) check(doc Document, attempt int) (*plan.Plan, []schema.Violation, *Rejection) {
	res := o.Validate(doc)
	if !res.Valid() {
		return nil, nil, &Rejection{
			Attempt:    attempt,
			Class:      plan.ClassSchemaViolation,
			Violations: res.Violations,
			Err:        res.Err(),
		}
	}
	sem := o.Verify(res.Plan)
	if !sem.Valid() {
		return nil, nil, &Rejection{
			Attempt:      attempt,
			PlanID:       res.Plan.ID,
			Class:        plan.ClassHallucinatedReference,
			Hallucinated: sem.Hallucinated,
			Err:          sem.Err(),
		}
	}
	return res.Plan, res.Warnings, nil
}

func (o *Orchestrator) rejectDocument(ctx context.Context, rej *Rejection) {
	o.metrics.AdmissionFailuresTotal.WithLabelValues(string(rej.Class)).Inc()
	o.logger.Warn(logging.WithPlanID(ctx, rej.PlanID), "plan rejected at admission",
		zap.Int("attempt", rej.Attempt),
		zap.String("class", string(rej.Class)),
		zap.Error(rej.Err))

	e := events.New(events.AdmissionRejected, rej.PlanID)
	e.Actor = o.opts.ID
	e.Data = map[string]interface{}{
		"attempt": rej.Attempt,
		"class":   string(rej.Class),
		"error":   rej.Err.Error(),
	}
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn(ctx, "event publish failed", zap.String("event", e.Type), zap.Error(err))
	}
}
