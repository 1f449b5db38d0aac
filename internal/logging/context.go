package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type planCtxKey struct{}
type stepCtxKey struct{}
type phaseCtxKey struct{}
type actorCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v, ok := ctx.Value(planCtxKey{}).(string); ok {
		fields = append(fields, zap.String("plan.id", v))
	}
	if v, ok := ctx.Value(stepCtxKey{}).(string); ok {
		fields = append(fields, zap.String("step.id", v))
	}
	if v, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		fields = append(fields, zap.String("phase", v))
	}
	if v, ok := ctx.Value(actorCtxKey{}).(string); ok {
		fields = append(fields, zap.String("actor", v))
	}
	return fields
}

// WithPlanID attaches a plan ID to ctx. Empty IDs are ignored.
func WithPlanID(ctx context.Context, planID string) context.Context {
	if planID == "" {
		return ctx
	}
	return context.WithValue(ctx, planCtxKey{}, planID)
}

// PlanIDFromContext returns the plan ID attached to ctx, if any.
func PlanIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(planCtxKey{}).(string)
	return v
}

// WithStep attaches a step ID to ctx.
func WithStep(ctx context.Context, stepID string) context.Context {
	if stepID == "" {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// WithPhase attaches the pipeline phase to ctx.
func WithPhase(ctx context.Context, phase string) context.Context {
	if phase == "" {
		return ctx
	}
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext returns the phase attached to ctx, if any.
func PhaseFromContext(ctx context.Context) string {
	v, _ := ctx.Value(phaseCtxKey{}).(string)
	return v
}

// WithActor attaches the acting operator or orchestrator ID to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

type loggerCtxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
