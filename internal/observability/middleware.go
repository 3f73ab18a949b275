package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency, and an optional
// span for every request passing through the gateway. Either argument
// may be nil to disable that signal.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			method, path := r.Method, r.URL.Path

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", method),
						attribute.String("http.path", path),
					))
				defer span.End()
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}

			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if err != nil {
					span.SetStatus(codes.Error, err.Error())
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(method, path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
			}
			return err
		}
	}
}
