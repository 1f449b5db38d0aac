package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry
	SpanRecorder *tracetest.SpanRecorder
	Reader       *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry backed by in-memory recorders.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(rec)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		SpanRecorder: rec,
		Reader:       reader,
	}
}

// SpanNames returns the names of ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.SpanRecorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

// AssertSpanExists fails tb unless a span named name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	for _, n := range t.SpanNames() {
		if n == name {
			return
		}
	}
	tb.Errorf("expected span %q, got %v", name, t.SpanNames())
}

// MetricNames collects metrics and returns every instrument name seen.
func (t *TestTelemetry) MetricNames(ctx context.Context) ([]string, error) {
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
