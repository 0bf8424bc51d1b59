package middleware

import (
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request and puts it on the user context,
// so the ingestion spans hang off the HTTP span. Probes and scrapes are skipped.
func Tracing(tp trace.TracerProvider) fiber.Handler {
	opts := []otelfiber.Option{
		otelfiber.WithNext(func(c *fiber.Ctx) bool {
			switch c.Path() {
			case MetricsPath, "/healthz", "/health":
				return true
			}
			return false
		}),
	}
	if tp != nil {
		opts = append(opts, otelfiber.WithTracerProvider(tp))
	}
	return otelfiber.Middleware(opts...)
}
