package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudenv/pkg/config"
)

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudenv",
		Short: "cloudenv - cloud environment resource broker",
		Long: `cloudenv provisions and tracks the Azure resources behind cloud
development environments.

Features:
  - Resumable create, start and delete of VMs, disks, NICs, queues and vaults
  - Capacity-aware placement across subscriptions and resource groups
  - Durable job queue with lease-guarded periodic tasks
  - Environment state machine with heartbeat and transition monitors`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "API server URL for client commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newEnvironmentCommand())
	rootCmd.AddCommand(newHeartbeatCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	return loader.Load(configPath)
}
