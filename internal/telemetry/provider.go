package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials/insecure"
)

func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

func newSampler(rate float64) trace.Sampler {
	var s trace.Sampler
	switch {
	case rate >= 1:
		s = trace.AlwaysSample()
	case rate <= 0:
		s = trace.NeverSample()
	default:
		s = trace.TraceIDRatioBased(rate)
	}
	return trace.ParentBased(s)
}

func newTraceExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	if cfg.Protocol == "http/protobuf" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.SampleRate)),
	), nil
}

// Collectors behind the OTLP endpoint are usually Prometheus-compatible and
// expect cumulative sums.
func cumulative(metric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	if cfg.Protocol == "http/protobuf" {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*metric.MeterProvider, error) {
	if !cfg.MetricsEnabled {
		return nil, nil
	}
	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.MetricsInterval.Duration()))
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}
