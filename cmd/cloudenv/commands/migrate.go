package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the SQLite schema at database.path.

serve applies migrations on start; this command does it without starting
the service.`,
		Example: `  cloudenv migrate --config cloudenv.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Str("database", cfg.Database.Path).Uint("version", version).Bool("dirty", dirty).Msg("Database migrated")
			fmt.Printf("Migrated %s to schema version %d\n", cfg.Database.Path, version)
			return nil
		},
	}

	return cmd
}
