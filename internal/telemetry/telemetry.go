package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers for the process.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	mu       sync.Mutex
	problems []string
}

// HealthStatus reports whether exporters came up.
type HealthStatus struct {
	Enabled  bool
	Degraded bool
	Problems []string
}

// New creates providers according to cfg. Exporter failures degrade the
// instance instead of returning an error; only invalid config fails.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracer provider: %v", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degrade("meter provider: %v", err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health returns the current status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthStatus{
		Enabled:  t.config != nil && t.config.Enabled,
		Degraded: len(t.problems) > 0,
		Problems: append([]string(nil), t.problems...),
	}
}

func (t *Telemetry) degrade(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.problems = append(t.problems, fmt.Sprintf(format, args...))
}
