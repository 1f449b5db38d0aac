package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/plangate/internal/http"

// HTTPMetrics holds the OpenTelemetry instruments for the API.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	rateLimited    metric.Int64Counter
}

// NewHTTPMetrics creates instruments on meter, or on the global provider
// when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{
		meter:  meter,
		logger: logging.OrNop(logger),
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	ctx := context.Background()
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"plangate.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, route and status code."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"plangate.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"plangate.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}

	m.rateLimited, err = m.meter.Int64Counter(
		"plangate.http.rate_limited_total",
		metric.WithDescription("Approval decisions refused by the per-client rate limiter."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn(ctx, "failed to create rate limit counter", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				// Let echo render the error now so the recorded status is final.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("route", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return err
		}
	}
}

func (m *HTTPMetrics) recordRateLimited(ctx context.Context) {
	if m != nil && m.rateLimited != nil {
		m.rateLimited.Add(ctx, 1)
	}
}

// normalizePath maps the matched route onto a metric label. Echo reports
// the route template (/api/v1/plans/:id), so plan and step IDs never become
// label values; requests that matched no route share one label.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
