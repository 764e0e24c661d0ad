package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StepContext instruments one continuation step: a span, a logger scoped to
// the resource and operation, and the step latency histogram.
type StepContext struct {
	Ctx    context.Context
	Logger *Logger

	tel          *Telemetry
	span         trace.Span
	started      time.Time
	operation    string
	resourceType string
}

// StartStep begins a step. Without telemetry in ctx only the scoped logger
// is set up.
func StartStep(ctx context.Context, operation, resourceType, resourceID string) *StepContext {
	logger := FromContext(ctx).WithOperation(operation, resourceType).WithResourceID(resourceID)
	sc := &StepContext{
		Logger:       logger,
		tel:          FromTelemetryContext(ctx),
		started:      time.Now(),
		operation:    operation,
		resourceType: resourceType,
	}
	if sc.tel != nil {
		ctx, sc.span = sc.tel.Tracer.StartContinuationSpan(ctx, operation, resourceType, resourceID)
		if id := TraceID(ctx); id != "" {
			sc.Logger = logger.WithField("trace_id", id)
		}
	}
	sc.Ctx = sc.Logger.WithContext(ctx)
	return sc
}

// End records the status the step produced.
func (sc *StepContext) End(status string, err error) {
	elapsed := time.Since(sc.started)
	if err != nil {
		sc.Logger.Zerolog().Error().Err(err).
			Str("status", status).
			Dur("duration", elapsed).
			Msg("continuation step failed")
	} else {
		sc.Logger.Zerolog().Debug().
			Str("status", status).
			Dur("duration", elapsed).
			Msg("continuation step finished")
	}

	if sc.tel == nil {
		return
	}
	sc.tel.Metrics.RecordContinuationStep(sc.operation, sc.resourceType, status, elapsed)
	if sc.span == nil {
		return
	}
	sc.span.SetAttributes(AttrContinuationStep.String(status))
	finishSpan(sc.span, err)
}

// RecordProviderOperation runs one provider call inside a provider span and
// counts it, along with its failure if any.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	started := time.Now()
	err := fn(ctx)

	tel.Metrics.RecordProviderCall(providerName, operation, time.Since(started))
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
	}
	finishSpan(span, err)
	return err
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
