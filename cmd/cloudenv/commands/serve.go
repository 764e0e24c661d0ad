package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(version string) *cobra.Command {
	var (
		address  string
		simulate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, job worker and periodic tasks",
		Long: `Run the resource broker service.

The process serves the HTTP API, drives queued resource and monitor jobs
to completion and runs the periodic tasks:
  - capacity-refresh: copies provider quota usage into the store
  - failed-resource-sweep: deletes unassigned resources that failed
  - infrastructure-bootstrap: ensures placement resource groups exist

Several processes may share one database; shard leases keep periodic
work from running twice.`,
		Example: `  # Serve with a config file
  cloudenv serve --config cloudenv.yaml

  # Serve against the in-memory cloud
  cloudenv serve --simulate --address :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if simulate {
				cfg.Azure.Simulate = true
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := a.close(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			log.Info().
				Str("address", cfg.Server.Address).
				Bool("simulate", cfg.Azure.Simulate).
				Str("database", cfg.Database.Path).
				Msg("Starting cloudenv")

			return a.run(ctx)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address, overrides server.address")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the in-memory cloud instead of Azure")

	return cmd
}
