package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// propagator carries W3C traceparent/tracestate. The composite is stateless
// and safe to share.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{}, propagation.Baggage{},
)

// InjectTrace captures the current trace context into a string map suitable
// for embedding in a stage job or webhook headers.
func InjectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTrace restores trace context previously captured with InjectTrace.
// A nil or empty carrier returns ctx unchanged.
func ExtractTrace(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// Tracer returns the engine tracer. Configure the global TracerProvider at
// startup; until then spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/vorion/engine")
}
