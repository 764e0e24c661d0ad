package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudenv/pkg/api"
	"github.com/openfroyo/cloudenv/pkg/engine"
)

func newEnvironmentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "environment",
		Aliases: []string{"env"},
		Short:   "Register environments and arm transition monitors",
	}

	cmd.AddCommand(newEnvironmentCreateCommand())
	cmd.AddCommand(newEnvironmentGetCommand())
	cmd.AddCommand(newEnvironmentMonitorCommand())

	return cmd
}

func newEnvironmentCreateCommand() *cobra.Command {
	var (
		req     api.CreateEnvironmentRequest
		envType string
		hosting string
		state   string
	)

	cmd := &cobra.Command{
		Use:     "create NAME",
		Short:   "Register an environment",
		Example: `  cloudenv env create dev-box --hosting ContainerBased --location westus2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			req.Type = engine.EnvironmentType(envType)
			req.Hosting = engine.HostingType(hosting)
			req.State = engine.CloudEnvironmentState(state)

			var env engine.Environment
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/api/v1/environments", &req, &env); err != nil {
				return err
			}
			return printResult(env, fmt.Sprintf("Created %s %s (%s)", env.ID, env.Name, env.State))
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "environment id, generated when empty")
	cmd.Flags().StringVar(&envType, "type", "", "CloudEnvironment or StaticEnvironment")
	cmd.Flags().StringVar(&hosting, "hosting", "", "ContainerBased or VirtualMachineBased")
	cmd.Flags().StringVar(&req.Location, "location", "", "Azure location")
	cmd.Flags().StringVar(&req.ComputeResourceID, "compute", "", "compute resource id")
	cmd.Flags().StringVar(&state, "state", "", "initial state")

	return cmd
}

func newEnvironmentGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var env engine.Environment
			path := "/api/v1/environments/" + url.PathEscape(args[0])
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &env); err != nil {
				return err
			}
			return printResult(env, fmt.Sprintf("%s %s %s %s", env.ID, env.Name, env.State, env.StateReason))
		},
	}
}

func newEnvironmentMonitorCommand() *cobra.Command {
	var (
		req     api.MonitorRequest
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor ID CURRENT TARGET",
		Short: "Arm a state transition monitor",
		Long: `Arm a check that the environment moves from CURRENT to TARGET within
the timeout. An environment still in CURRENT when the check fires is
suspended or failed.`,
		Example: `  cloudenv env monitor 6b0e... Starting Available --timeout 10m`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CurrentState = engine.CloudEnvironmentState(args[1])
			req.TargetState = engine.CloudEnvironmentState(args[2])
			req.Timeout = timeout.String()

			path := "/api/v1/environments/" + url.PathEscape(args[0]) + "/monitors"
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, path, &req, nil); err != nil {
				return err
			}
			return printResult(req, fmt.Sprintf("Armed %s -> %s for %s", req.CurrentState, req.TargetState, timeout))
		},
	}

	cmd.Flags().StringVar(&req.ComputeResourceID, "compute", "", "compute resource id")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "time allowed for the transition")

	return cmd
}
