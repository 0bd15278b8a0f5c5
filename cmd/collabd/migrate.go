package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/config"
	"github.com/vango-dev/collab/internal/logging"
	"github.com/vango-dev/collab/pkg/storage/postgres"
)

func migrateCmd(flags *rootFlags) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long: `Apply pending schema migrations to the configured PostgreSQL database.

Examples:
  collabd migrate --config collab.yaml
  collabd migrate --down`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs the postgres storage driver, config uses %q", cfg.Storage.Driver)
			}
			if !cfg.Storage.Postgres.DefaultTable() {
				return fmt.Errorf("migrations manage the %q table; create %q yourself",
					postgres.DefaultTable, cfg.Storage.Postgres.Table)
			}
			logger, closer, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			store, err := postgres.Open(cmd.Context(), cfg.Storage.Postgres.DSN, postgres.Config{Table: cfg.Storage.Postgres.Table})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			if down {
				if err := postgres.MigrateDown(store.DB()); err != nil {
					return err
				}
				success(out, "Rolled back all migrations")
				return nil
			}
			if err := postgres.Migrate(store.DB(), logger); err != nil {
				return err
			}
			v, dirty, err := postgres.MigrationVersion(store.DB())
			if err != nil {
				return err
			}
			success(out, "Schema at version %d", v)
			if dirty {
				info(out, "migration state is dirty; fix the database and rerun")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration (drops stored documents)")
	return cmd
}
