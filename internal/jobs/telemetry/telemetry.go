// Package telemetry carries the trace context of a submission request along with the job, so that
// the work the scheduler later does on the job belongs to the same trace.
package telemetry

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/open-edge-platform/geti-sub016/internal/jobs"

var propagator = propagation.TraceContext{}

// Inject encodes the W3C trace context of ctx, e.g. {"traceparent":"00-..."}. It returns an
// empty string when ctx carries no span.
func Inject(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return ""
	}
	encoded, err := json.Marshal(carrier)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// Extract returns ctx with the remote span context encoded in telemetry by Inject. Malformed
// values are logged and ignored.
func Extract(ctx context.Context, telemetry string) context.Context {
	if telemetry == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal([]byte(telemetry), &carrier); err != nil {
		log.WithError(err).Warnf("Ignoring malformed telemetry %q", telemetry)
		return ctx
	}
	return propagator.Extract(ctx, carrier)
}

// StartSpan starts a span named name as a child of the trace context in telemetry.
func StartSpan(ctx context.Context, telemetry string, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(Extract(ctx, telemetry), name, opts...)
}
