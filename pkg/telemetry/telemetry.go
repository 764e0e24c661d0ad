package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process. Components receive the pieces they need; the bundle itself travels
// in the context so continuation steps can open spans and record metrics
// without extra plumbing.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	t.Events.Subscribe(LogEvents(t.Logger.NewComponentLogger("events")), FilterByLevel(EventLevelWarning))
	return t, nil
}

// NewNopTelemetry returns a bundle that records nothing.
func NewNopTelemetry() *Telemetry {
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: NewNopMetrics(),
		Events:  &EventPublisher{},
		Config:  DefaultConfig(),
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains the event publisher and flushes pending spans. Metrics
// need no shutdown; the registry is served by the API router.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}
