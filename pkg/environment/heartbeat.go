package environment

import (
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// HeartbeatState is the bitmask of sub-signals an environment agent reports.
type HeartbeatState uint32

const (
	HeartbeatDockerDaemonRunning HeartbeatState = 1 << iota
	HeartbeatContainerRunning
	HeartbeatCliBootstrapRunning
	HeartbeatAgentRunning
	HeartbeatRelayConnected
	HeartbeatIdle
)

// containerRunning is the mask a container-based environment must report in full.
const containerRunning = HeartbeatDockerDaemonRunning |
	HeartbeatContainerRunning |
	HeartbeatCliBootstrapRunning |
	HeartbeatAgentRunning |
	HeartbeatRelayConnected

// Has reports whether every bit of flags is set.
func (s HeartbeatState) Has(flags HeartbeatState) bool {
	return s&flags == flags
}

// Heartbeat is a periodic status report from the agent inside an environment.
type Heartbeat struct {
	EnvironmentID string `json:"environmentId"`

	// Hosting overrides the hosting type recorded on the environment.
	Hosting engine.HostingType `json:"hosting,omitempty"`

	State     HeartbeatState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsRunning applies the running predicate for the environment's type.
func IsRunning(env *engine.Environment, hb *Heartbeat) bool {
	if env.Type != engine.EnvironmentTypeCloud {
		return hb.State.Has(HeartbeatAgentRunning)
	}

	hosting := hb.Hosting
	if hosting == "" {
		hosting = env.Hosting
	}
	switch hosting {
	case engine.HostingTypeContainer:
		return hb.State.Has(containerRunning)
	case engine.HostingTypeVirtualMachine:
		return hb.State == HeartbeatRelayConnected
	default:
		return false
	}
}

// canBecomeAvailable lists the states a healthy heartbeat may promote.
func canBecomeAvailable(state engine.CloudEnvironmentState) bool {
	switch state {
	case engine.EnvironmentStateArchived,
		engine.EnvironmentStateAvailable,
		engine.EnvironmentStateDeleted,
		engine.EnvironmentStateShutdown,
		engine.EnvironmentStateShuttingDown:
		return false
	}
	return state.CanTransitionTo(engine.EnvironmentStateAvailable)
}
