package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/environment"
	"github.com/openfroyo/cloudenv/pkg/jobs"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// QueueID is the durable queue monitor checks are enqueued on.
const QueueID = "environment-monitor"

const kindTransition = "monitor.transition"

// ErrInitialization is returned when a monitor cannot be armed.
var ErrInitialization = errors.New("failed to initialize state transition monitor")

// Check outcomes reported to metrics.
const (
	outcomeHealthy       = "healthy"
	outcomeMoved         = "moved"
	outcomeMissing       = "missing"
	outcomeRearmed       = "rearmed"
	outcomeCorrected     = "corrected"
	outcomeUnrecoverable = "unrecoverable"
	outcomeIgnored       = "ignored"
)

// Corrective actions.
const (
	actionSuspend      = "Suspend"
	actionForceSuspend = "ForceSuspend"
	actionFail         = "Fail"
)

// Environments is the state-change API the monitor drives. The monitor
// never writes environment records itself.
type Environments interface {
	Get(ctx context.Context, id string) (*engine.Environment, error)
	Suspend(ctx context.Context, id string) (*engine.Environment, error)
	ForceSuspend(ctx context.Context, id string) (*engine.Environment, error)
	Fail(ctx context.Context, id, reason string) (*engine.Environment, error)
}

// Transition is an armed watch on one environment.
type Transition struct {
	EnvironmentID     string                       `json:"environmentId" validate:"required"`
	ComputeResourceID string                       `json:"computeResourceId,omitempty"`
	CurrentState      engine.CloudEnvironmentState `json:"currentState" validate:"required"`
	TargetState       engine.CloudEnvironmentState `json:"targetState" validate:"required"`
	Timeout           time.Duration                `json:"timeout"`
}

func (t *Transition) validate() error {
	if t.EnvironmentID == "" {
		return engine.NewValidationError("environment id is required")
	}
	if err := t.CurrentState.Validate(); err != nil {
		return engine.NewValidationError("%v", err)
	}
	if err := t.TargetState.Validate(); err != nil {
		return engine.NewValidationError("%v", err)
	}
	if t.CurrentState == t.TargetState {
		return engine.NewValidationError("current and target state are both %s", t.CurrentState)
	}
	if t.Timeout <= 0 {
		return engine.NewValidationError("timeout must be positive, got %s", t.Timeout)
	}
	return nil
}

type checkToken struct {
	ArmedAt time.Time `json:"armedAt"`
}

// Options configure a Monitor.
type Options struct {
	Features config.FeatureFlags
	Timeouts config.MonitorConfig

	// Activator runs checks in process. Queue enqueues them as durable jobs
	// when Features.DurableMonitorJobs is set.
	Activator *jobs.Activator
	Queue     *jobs.Queue

	Clock   engine.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Monitor arms deferred checks that environments reach their target state
// in time, and corrects the ones that do not.
type Monitor struct {
	envs    Environments
	opts    Options
	clock   engine.Clock
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// New creates a monitor over envs.
func New(envs Environments, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Monitor{
		envs:    envs,
		opts:    opts,
		clock:   clock,
		logger:  logger.NewComponentLogger("monitor"),
		metrics: opts.Metrics,
		events:  opts.Events,
	}
}

// MonitorStateTransition arms a check that fires after timeout. It is a
// no-op while the state transition monitor is disabled.
func (m *Monitor) MonitorStateTransition(ctx context.Context, environmentID, computeResourceID string,
	current, target engine.CloudEnvironmentState, timeout time.Duration) error {
	if !m.opts.Features.EnableStateTransitionMonitor {
		return nil
	}
	return m.arm(ctx, &Transition{
		EnvironmentID:     environmentID,
		ComputeResourceID: computeResourceID,
		CurrentState:      current,
		TargetState:       target,
		Timeout:           timeout,
	})
}

// MonitorProvisioningStateTransition watches Provisioning -> Available.
func (m *Monitor) MonitorProvisioningStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	if !m.opts.Features.EnableProvisioningStateTransitionMonitor {
		return nil
	}
	return m.MonitorStateTransition(ctx, environmentID, computeResourceID,
		engine.EnvironmentStateProvisioning, engine.EnvironmentStateAvailable, m.opts.Timeouts.ProvisionTimeout.D())
}

// MonitorResumeStateTransition watches Starting -> Available.
func (m *Monitor) MonitorResumeStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	return m.MonitorStateTransition(ctx, environmentID, computeResourceID,
		engine.EnvironmentStateStarting, engine.EnvironmentStateAvailable, m.opts.Timeouts.ResumeTimeout.D())
}

// MonitorExportStateTransition watches Exporting -> Shutdown.
func (m *Monitor) MonitorExportStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	return m.MonitorStateTransition(ctx, environmentID, computeResourceID,
		engine.EnvironmentStateExporting, engine.EnvironmentStateShutdown, m.opts.Timeouts.ExportTimeout.D())
}

// MonitorShutdownStateTransition watches ShuttingDown -> Shutdown.
func (m *Monitor) MonitorShutdownStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	return m.MonitorStateTransition(ctx, environmentID, computeResourceID,
		engine.EnvironmentStateShuttingDown, engine.EnvironmentStateShutdown, m.opts.Timeouts.ShutdownTimeout.D())
}

// MonitorUnavailableStateTransition watches Unavailable -> Available.
func (m *Monitor) MonitorUnavailableStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	if !m.opts.Features.EnableUnavailableHeartbeatMonitor {
		return nil
	}
	return m.MonitorStateTransition(ctx, environmentID, computeResourceID,
		engine.EnvironmentStateUnavailable, engine.EnvironmentStateAvailable, m.opts.Timeouts.UnavailableTimeout.D())
}

func (m *Monitor) arm(ctx context.Context, t *Transition) error {
	logger := m.logger.WithEnvironmentID(t.EnvironmentID)

	if m.opts.Features.DurableMonitorJobs && m.opts.Queue != nil {
		input, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		result, err := m.Handle(ctx, input, "")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		if result.Status != engine.OperationStateInProgress {
			return fmt.Errorf("%w: first step returned %s", ErrInitialization, result.Status)
		}
		job, err := m.opts.Queue.EnqueueContinuation(ctx, QueueID, t, result.NextInput.ContinuationToken, result.NextInput.RetryAfter)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		logger = logger.WithField("job_id", job.ID)
	} else {
		if m.opts.Activator == nil {
			return fmt.Errorf("%w: no activator configured", ErrInitialization)
		}
		result, err := m.opts.Activator.Activate(ctx, chainName(t), t, m.Handle)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		if result.Status != engine.OperationStateInProgress {
			return fmt.Errorf("%w: first step returned %s", ErrInitialization, result.Status)
		}
	}

	logger.Zerolog().Info().
		Str("current_state", string(t.CurrentState)).
		Str("target_state", string(t.TargetState)).
		Dur("timeout", t.Timeout).
		Msg("State transition monitor armed")
	_ = m.events.PublishMonitorArmed(t.EnvironmentID, string(t.CurrentState), string(t.TargetState), t.Timeout)
	return nil
}

// Handle is the continuation handler of a monitor. The first step arms
// the check and asks to be resumed after the timeout; the next step checks
// the environment and applies the corrective action if it is stuck.
func (m *Monitor) Handle(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
	var t Transition
	if err := json.Unmarshal(input, &t); err != nil {
		return nil, engine.NewValidationError("malformed monitor input: %v", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	if token == "" {
		return m.armed(t.Timeout)
	}

	var state checkToken
	if err := engine.DecodeToken(token, kindTransition, &state); err != nil {
		return nil, err
	}
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartMonitorSpan(ctx, t.EnvironmentID, string(t.CurrentState), string(t.TargetState))
		defer span.End()
	}
	return m.check(ctx, &t, state.ArmedAt)
}

func (m *Monitor) armed(after time.Duration) (*engine.ContinuationResult, error) {
	token, err := engine.EncodeToken(kindTransition, checkToken{ArmedAt: m.clock.Now()})
	if err != nil {
		return nil, err
	}
	return engine.InProgress(token, after), nil
}

// check inspects the environment once the timeout armed at armedAt has
// elapsed. An environment that left and re-entered CurrentState since then
// belongs to a newer check.
func (m *Monitor) check(ctx context.Context, t *Transition, armedAt time.Time) (*engine.ContinuationResult, error) {
	logger := m.logger.WithEnvironmentID(t.EnvironmentID).
		WithField("current_state", string(t.CurrentState)).
		WithField("target_state", string(t.TargetState))

	env, err := m.envs.Get(ctx, t.EnvironmentID)
	if err != nil {
		if engine.IsNotFound(err) {
			m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeMissing)
			return engine.Cancelled("environment no longer exists"), nil
		}
		return nil, err
	}

	switch env.State {
	case t.TargetState:
		m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeHealthy)
		return engine.Succeeded(nil), nil
	case t.CurrentState:
		if env.StateUpdated.After(armedAt) {
			m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeMoved)
			return engine.Cancelled(fmt.Sprintf("environment re-entered %s after the check was armed", env.State)), nil
		}
	default:
		m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeMoved)
		return engine.Cancelled(fmt.Sprintf("environment moved on to %s", env.State)), nil
	}

	logger.Warn("Environment state transition timed out")

	if env.Type == engine.EnvironmentTypeStatic {
		m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeUnrecoverable)
		return engine.Failed(fmt.Sprintf("static environment stuck in %s", env.State)), nil
	}

	var action string
	switch env.State {
	case engine.EnvironmentStateStarting, engine.EnvironmentStateExporting, engine.EnvironmentStateUpdating:
		action = actionSuspend
	case engine.EnvironmentStateShuttingDown, engine.EnvironmentStateUnavailable:
		action = actionForceSuspend
	case engine.EnvironmentStateProvisioning:
		if env.StateTimeout != nil {
			if remaining := env.StateTimeout.Sub(m.clock.Now()); remaining > 0 {
				logger.Zerolog().Info().Dur("remaining", remaining).Msg("Environment extended its own timeout, re-arming")
				m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeRearmed)
				return m.armed(remaining)
			}
		}
		action = actionFail
	case engine.EnvironmentStateQueued:
		if t.TargetState == engine.EnvironmentStateProvisioning {
			action = actionFail
		} else {
			action = actionForceSuspend
		}
	default:
		m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeIgnored)
		return engine.Cancelled(fmt.Sprintf("no corrective action for %s", env.State)), nil
	}

	if err := m.correct(ctx, env.ID, action); err != nil {
		if engine.IsPermanent(err) {
			logger.Zerolog().Warn().Err(err).Str("action", action).Msg("Corrective action rejected")
			m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeMoved)
			return engine.Cancelled(err.Error()), nil
		}
		return nil, err
	}

	logger.Zerolog().Info().Str("action", action).Msg("Corrected stuck environment")
	m.metrics.RecordMonitorCheck(string(t.CurrentState), outcomeCorrected)
	_ = m.events.PublishMonitorCorrected(env.ID, string(env.State), action)
	return engine.Failed(fmt.Sprintf("environment did not reach %s from %s within %s, applied %s",
		t.TargetState, t.CurrentState, t.Timeout, action)), nil
}

func (m *Monitor) correct(ctx context.Context, id, action string) error {
	var err error
	switch action {
	case actionSuspend:
		_, err = m.envs.Suspend(ctx, id)
	case actionForceSuspend:
		_, err = m.envs.ForceSuspend(ctx, id)
	case actionFail:
		_, err = m.envs.Fail(ctx, id, environment.ReasonTransitionTimeout)
	}
	return err
}

func chainName(t *Transition) string {
	return fmt.Sprintf("monitor/%s/%s-%s", t.EnvironmentID, t.CurrentState, t.TargetState)
}
