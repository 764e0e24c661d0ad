// Package telemetry provides observability instrumentation for cloudenv.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Continuation steps
//
// Every begin/check step of a long-running operation is wrapped in a step
// context, which opens a span, scopes the logger to the resource and
// operation, and records the resulting status:
//
//	step := telemetry.StartStep(ctx, "create", "ComputeVM", resourceID)
//	result, err := run(step.Ctx)
//	step.End(string(result.Status), err)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("monitor")
//	logger = logger.WithEnvironmentID(envID)
//	logger.Info("transition monitor armed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Metrics
//
// Metrics live in a private registry served by Metrics.Handler:
//
//	cloudenv_continuation_steps_total{operation, resource_type, status}
//	cloudenv_provider_calls_total{provider, operation}
//	cloudenv_capacity_selections_total{location, outcome}
//	cloudenv_monitor_checks_total{current_state, outcome}
//	cloudenv_environment_transitions_total{from, to}
//	cloudenv_jobs_processed_total{queue, outcome}
//	cloudenv_task_units_total{task, outcome}
//
// # Events
//
// Resource provisioning changes, environment transitions and monitor
// corrective actions are published to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    audit.Write(e)
//	}, telemetry.FilterByType(telemetry.EventTypeMonitorCorrected))
package telemetry
