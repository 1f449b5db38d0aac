package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/plans/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "no")
	})

	for _, target := range []string{"/api/v1/plans/a", "/api/v1/plans/b", "/fail"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "plangate.http.requests_total":
				foundRequests = true
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", md.Data)
				}
				byRoute := map[string]int64{}
				statuses := map[int64]bool{}
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					byRoute[route.AsString()] += dp.Value
					statuses[status.AsInt64()] = true
				}
				if byRoute["/api/v1/plans/:id"] != 2 {
					t.Errorf("expected plan IDs to collapse into one route label, got %v", byRoute)
				}
				if !statuses[http.StatusTeapot] {
					t.Errorf("expected error status to be recorded, got %v", statuses)
				}
			case "plangate.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := md.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 3 {
						t.Errorf("expected 3 duration recordings, got %d", total)
					}
				}
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/plans/:id", "/api/v1/plans/:id"},
		{"/api/v1/plans/:id/steps/:step/decision", "/api/v1/plans/:id/steps/:step/decision"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
