// Package logging provides structured logging on top of Zap.
//
// Logger adds a Trace level below Debug, redacts sensitive keys and
// patterns, samples high-volume levels (errors are never sampled), and can
// tee records into an OpenTelemetry LoggerProvider.
//
// Every method takes a context. Correlation fields stored on the context are
// appended automatically:
//
//	ctx = logging.WithPlanID(ctx, plan.ID)
//	ctx = logging.WithStep(ctx, step.ID)
//	logger.Info(ctx, "step succeeded", zap.Int("attempt", n))
//
// produces
//
//	{"level":"info","msg":"step succeeded","plan.id":"p-1","step.id":"s2","attempt":1}
//
// together with trace_id/span_id when an OTEL span is active.
package logging
