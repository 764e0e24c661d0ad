package commands

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/environment"
)

var heartbeatFlags = map[string]environment.HeartbeatState{
	"docker":    environment.HeartbeatDockerDaemonRunning,
	"container": environment.HeartbeatContainerRunning,
	"cli":       environment.HeartbeatCliBootstrapRunning,
	"agent":     environment.HeartbeatAgentRunning,
	"relay":     environment.HeartbeatRelayConnected,
	"idle":      environment.HeartbeatIdle,
}

// parseHeartbeatState combines the named --state flags into one bitmask.
func parseHeartbeatState(flags []string) (environment.HeartbeatState, error) {
	var state environment.HeartbeatState
	for _, f := range flags {
		bit, ok := heartbeatFlags[strings.ToLower(strings.TrimSpace(f))]
		if !ok {
			return 0, fmt.Errorf("unknown heartbeat state %q", f)
		}
		state |= bit
	}
	return state, nil
}

func newHeartbeatCommand() *cobra.Command {
	var (
		hosting string
		flags   []string
	)

	cmd := &cobra.Command{
		Use:   "heartbeat ID",
		Short: "Send an agent heartbeat",
		Long: `Report the agent state of an environment. Flags are combined:
docker, container, cli, agent, relay and idle.`,
		Example: `  # A healthy container-based environment
  cloudenv heartbeat 6b0e... --state docker,container,cli,agent,relay

  # An idle environment, which is suspended
  cloudenv heartbeat 6b0e... --state idle`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hb := environment.Heartbeat{
				EnvironmentID: args[0],
				Hosting:       engine.HostingType(hosting),
				Timestamp:     time.Now().UTC(),
			}
			state, err := parseHeartbeatState(flags)
			if err != nil {
				return err
			}
			hb.State = state

			var env engine.Environment
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/api/v1/heartbeats", &hb, &env); err != nil {
				return err
			}
			return printResult(env, fmt.Sprintf("%s is %s", hb.EnvironmentID, env.State))
		},
	}

	cmd.Flags().StringVar(&hosting, "hosting", "", "override the recorded hosting type")
	cmd.Flags().StringSliceVar(&flags, "state", nil, "running components")

	return cmd
}
