package environment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// State reasons recorded on environments.
const (
	ReasonHeartbeatUnhealthy = "HeartbeatUnhealthy"
	ReasonHeartbeatIdle      = "HeartbeatIdle"
	ReasonTransitionTimeout  = "StateTransitionTimeout"
)

// Watchdog arms transition monitors on behalf of the manager.
type Watchdog interface {
	MonitorShutdownStateTransition(ctx context.Context, environmentID, computeResourceID string) error
	MonitorUnavailableStateTransition(ctx context.Context, environmentID, computeResourceID string) error
}

// Options configure a Manager.
type Options struct {
	Clock   engine.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Manager owns environment state changes. Every change goes through the
// directional transition table and a versioned write.
type Manager struct {
	repo     engine.EnvironmentRepository
	watchdog Watchdog
	clock    engine.Clock
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
}

// NewManager creates a manager over repo.
func NewManager(repo engine.EnvironmentRepository, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Manager{
		repo:    repo,
		clock:   clock,
		logger:  logger.NewComponentLogger("environment"),
		metrics: opts.Metrics,
		events:  opts.Events,
	}
}

// SetWatchdog sets the monitor armed by Suspend and by unhealthy heartbeats.
// Without one no monitor is armed.
func (m *Manager) SetWatchdog(w Watchdog) {
	m.watchdog = w
}

// Create records a new environment. It defaults to a cloud environment in
// the Created state.
func (m *Manager) Create(ctx context.Context, env *engine.Environment) (*engine.Environment, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Type == "" {
		env.Type = engine.EnvironmentTypeCloud
	}
	if env.State == "" {
		env.State = engine.EnvironmentStateCreated
	}
	if env.Type != engine.EnvironmentTypeCloud && env.Type != engine.EnvironmentTypeStatic {
		return nil, engine.NewValidationError("unknown environment type %q", env.Type)
	}
	env.StateUpdated = m.clock.Now()
	if err := m.repo.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}
	m.logger.WithEnvironmentID(env.ID).Zerolog().Info().
		Str("state", string(env.State)).
		Str("type", string(env.Type)).
		Msg("Environment created")
	return env, nil
}

// Get returns the environment with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Environment, error) {
	return m.repo.GetEnvironment(ctx, id)
}

// Transition moves the environment to state. Moving to the current state is
// a no-op; a move the transition table forbids is a validation error.
func (m *Manager) Transition(ctx context.Context, id string, state engine.CloudEnvironmentState, reason string) (*engine.Environment, error) {
	if err := state.Validate(); err != nil {
		return nil, engine.NewValidationError("%v", err)
	}
	return m.update(ctx, id, func(env *engine.Environment) (bool, error) {
		if env.State == state {
			return false, nil
		}
		return true, m.setState(env, state, reason)
	})
}

// Suspend starts shutting the environment down and arms the
// ShuttingDown -> Shutdown monitor. Suspending an environment that is
// already shut down or shutting down is a no-op.
func (m *Manager) Suspend(ctx context.Context, id string) (*engine.Environment, error) {
	changed := false
	env, err := m.update(ctx, id, func(env *engine.Environment) (bool, error) {
		changed = false
		switch env.State {
		case engine.EnvironmentStateShutdown, engine.EnvironmentStateShuttingDown:
			return false, nil
		}
		changed = true
		return true, m.setState(env, engine.EnvironmentStateShuttingDown, "")
	})
	if err != nil {
		return nil, err
	}

	if changed && m.watchdog != nil {
		if err := m.watchdog.MonitorShutdownStateTransition(ctx, env.ID, env.ComputeResourceID); err != nil {
			return env, fmt.Errorf("failed to monitor shutdown of %s: %w", env.ID, err)
		}
	}
	return env, nil
}

// ForceSuspend moves the environment straight to Shutdown.
func (m *Manager) ForceSuspend(ctx context.Context, id string) (*engine.Environment, error) {
	return m.Transition(ctx, id, engine.EnvironmentStateShutdown, "")
}

// Fail marks the environment Failed.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*engine.Environment, error) {
	return m.Transition(ctx, id, engine.EnvironmentStateFailed, reason)
}

// MarkAvailable marks the environment Available.
func (m *Manager) MarkAvailable(ctx context.Context, id string) (*engine.Environment, error) {
	return m.Transition(ctx, id, engine.EnvironmentStateAvailable, "")
}

// MarkUnavailable marks the environment Unavailable.
func (m *Manager) MarkUnavailable(ctx context.Context, id, reason string) (*engine.Environment, error) {
	return m.Transition(ctx, id, engine.EnvironmentStateUnavailable, reason)
}

// ApplyHeartbeat records hb and infers the state it implies. A heartbeat
// without an environment id is ignored and returns nil.
func (m *Manager) ApplyHeartbeat(ctx context.Context, hb *Heartbeat) (*engine.Environment, error) {
	if hb.EnvironmentID == "" {
		return nil, nil
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.clock.Now()
	}

	current, err := m.repo.GetEnvironment(ctx, hb.EnvironmentID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewValidationError("no environment matches heartbeat for %s", hb.EnvironmentID)
		}
		return nil, err
	}
	if current.State == engine.EnvironmentStateDeleted {
		return nil, engine.NewValidationError("heartbeat received for deleted environment %s", hb.EnvironmentID)
	}

	if current.Type == engine.EnvironmentTypeCloud && hb.State.Has(HeartbeatIdle) &&
		current.State.CanTransitionTo(engine.EnvironmentStateShuttingDown) {
		m.logger.WithEnvironmentID(current.ID).Info("Environment reported idle, suspending")
		if _, err := m.recordHeartbeat(ctx, hb); err != nil {
			return nil, err
		}
		return m.Suspend(ctx, current.ID)
	}

	demoted := false
	env, err := m.update(ctx, hb.EnvironmentID, func(env *engine.Environment) (bool, error) {
		demoted = false
		ts := hb.Timestamp
		env.LastUpdatedByHeartbeat = &ts

		if IsRunning(env, hb) {
			if canBecomeAvailable(env.State) {
				return true, m.setState(env, engine.EnvironmentStateAvailable, "")
			}
			return true, nil
		}
		if env.State == engine.EnvironmentStateAvailable {
			demoted = true
			return true, m.setState(env, engine.EnvironmentStateUnavailable, ReasonHeartbeatUnhealthy)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if demoted && env.Type == engine.EnvironmentTypeCloud && m.watchdog != nil {
		if err := m.watchdog.MonitorUnavailableStateTransition(ctx, env.ID, env.ComputeResourceID); err != nil {
			return env, fmt.Errorf("failed to monitor unavailable environment %s: %w", env.ID, err)
		}
	}
	return env, nil
}

func (m *Manager) recordHeartbeat(ctx context.Context, hb *Heartbeat) (*engine.Environment, error) {
	return m.update(ctx, hb.EnvironmentID, func(env *engine.Environment) (bool, error) {
		ts := hb.Timestamp
		env.LastUpdatedByHeartbeat = &ts
		return true, nil
	})
}

// setState applies a transition in memory. The caller writes the record.
func (m *Manager) setState(env *engine.Environment, state engine.CloudEnvironmentState, reason string) error {
	if !env.State.CanTransitionTo(state) {
		return engine.NewValidationError("environment cannot move from %s to %s", env.State, state).
			WithCode(engine.ErrCodePreconditionFailed).
			WithResource(env.ID)
	}
	env.State = state
	env.StateReason = reason
	env.StateUpdated = m.clock.Now()
	env.StateTimeout = nil
	return nil
}

// update refetches the environment and applies mutate until the versioned
// write succeeds. mutate reports whether it changed the record.
func (m *Manager) update(ctx context.Context, id string, mutate func(env *engine.Environment) (bool, error)) (*engine.Environment, error) {
	var (
		result *engine.Environment
		from   engine.CloudEnvironmentState
	)
	err := engine.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		env, err := m.repo.GetEnvironment(ctx, id)
		if err != nil {
			return err
		}
		from = env.State

		changed, err := mutate(env)
		if err != nil {
			return err
		}
		if changed {
			if err := m.repo.UpdateEnvironment(ctx, env); err != nil {
				return err
			}
		}
		result = env
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.State != from {
		m.logger.WithEnvironmentID(id).Zerolog().Info().
			Str("from", string(from)).
			Str("to", string(result.State)).
			Str("reason", result.StateReason).
			Msg("Environment state changed")
		m.metrics.RecordEnvironmentTransition(string(from), string(result.State))
		_ = m.events.PublishEnvironmentChanged(id, string(from), string(result.State), result.StateReason)
	}
	return result, nil
}
