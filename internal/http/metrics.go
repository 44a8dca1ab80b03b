package http

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/http"

// unmatchedRoute labels requests that matched no route.
const unmatchedRoute = "unmatched"

// HTTPMetrics records per-route API metrics through the global OTEL meter.
// An instrument that fails to register stays nil and is skipped.
type HTTPMetrics struct {
	logger *zap.Logger

	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the API instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{logger: logger}

	var err error
	if m.requests, err = meter.Int64Counter("ledgerd.http.requests_total",
		metric.WithDescription("API requests by method, route and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("requests_total", err)
	}
	if m.failures, err = meter.Int64Counter("ledgerd.http.server_errors_total",
		metric.WithDescription("API requests answered with a 5xx status, by route."),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("server_errors_total", err)
	}
	// run and resume hold the request open for whole phases.
	if m.duration, err = meter.Float64Histogram("ledgerd.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status class."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600),
	); err != nil {
		m.warn("request_duration_seconds", err)
	}
	if m.inflight, err = meter.Int64UpDownCounter("ledgerd.http.inflight_requests",
		metric.WithDescription("API requests currently being served."),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("inflight_requests", err)
	}
	return m
}

func (m *HTTPMetrics) warn(name string, err error) {
	m.logger.Warn("failed to register http instrument", zap.String("instrument", name), zap.Error(err))
}

// MetricsMiddleware records one observation per request. Handler errors are
// resolved to a status by the request-log middleware further in, so the
// status seen here is final.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}
			err := next(c)
			m.observe(ctx, c.Request().Method, routeLabel(c.Path()), c.Response().Status, time.Since(start))
			return err
		}
	}
}

func (m *HTTPMetrics) observe(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if status >= 500 && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	}
}

// routeLabel keeps task and checkpoint ids out of the route label. Echo
// reports the matched pattern (/api/v1/tasks/:id/resume); requests that
// matched nothing share one label.
func routeLabel(pattern string) string {
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return unmatchedRoute
	}
	return pattern
}

// statusClass buckets a status code as 2xx, 4xx and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return string(rune('0'+status/100)) + "xx"
}
