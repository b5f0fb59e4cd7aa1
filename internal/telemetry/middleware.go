// Package telemetry traces HTTP requests handled by fiber.
package telemetry

import (
	"slices"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GroupCodeKey carries the group a request addresses.
const GroupCodeKey = attribute.Key("whereabouts.group_code")

// FiberMiddleware starts a span per request and puts its context on the
// request's user context so handlers and loggers pick it up. Requests for the
// skipped paths, such as health probes, are not traced.
func FiberMiddleware(serviceName string, skip ...string) fiber.Handler {
	tracer := otel.Tracer(serviceName)
	propagator := otel.GetTextMapPropagator()

	return func(c *fiber.Ctx) error {
		if slices.Contains(skip, c.Path()) {
			return c.Next()
		}

		ctx := propagator.Extract(c.UserContext(), &fiberCarrier{c: c})
		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.user_agent", c.Get(fiber.HeaderUserAgent)),
				attribute.String("http.remote_addr", c.IP()),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)

		err := c.Next()

		// The matched route is only known once routing has run.
		if route := c.Route().Path; route != "" && route != "/" {
			span.SetName(c.Method() + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		if code := c.Params("code"); code != "" {
			span.SetAttributes(GroupCodeKey.String(code))
		}

		statusCode := c.Response().StatusCode()
		span.SetAttributes(attribute.Int("http.status_code", statusCode))

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case statusCode >= fiber.StatusInternalServerError:
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(statusCode))
		default:
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// fiberCarrier reads propagation headers from the request.
type fiberCarrier struct {
	c *fiber.Ctx
}

func (fc *fiberCarrier) Get(key string) string {
	return fc.c.Get(key)
}

// Set is a no-op: the server never injects into the request it is handling.
func (fc *fiberCarrier) Set(string, string) {}

func (fc *fiberCarrier) Keys() []string {
	var keys []string
	for key := range fc.c.GetReqHeaders() {
		keys = append(keys, key)
	}
	return keys
}
