package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var policyDir string

	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration file and its placement policies",
		Long: `Validate a configuration file.

This command checks:
  - YAML syntax and unknown keys
  - CUE schema conformance
  - Field constraints such as durations, CIDRs and SKU catalogs
  - That every placement policy compiles`,
		Example: `  # Validate the configured file
  cloudenv validate --config cloudenv.yaml

  # Validate a file and a policy directory
  cloudenv validate ./cloudenv.yaml --policies ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			cfg, err := loader.Load(path)
			if err != nil {
				return err
			}

			dir := policyDir
			if dir == "" && cfg.Policy.Enabled {
				dir = cfg.Policy.Dir
			}
			count := 0
			if dir != "" {
				engine, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				defer engine.Close()
				if err := engine.LoadPolicies(cmd.Context(), []string{dir}); err != nil {
					return err
				}
				count = len(engine.ListPolicies())
			}

			log.Info().
				Str("path", path).
				Int("subscriptions", len(cfg.Capacity.Subscriptions)).
				Int("policies", count).
				Msg("Configuration is valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&policyDir, "policies", "", "policy directory, overrides policy.dir")

	return cmd
}
