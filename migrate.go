package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/voicelabel/db"
)

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema for persistent channel state",
		Long: `Apply all pending schema migrations to the database named by DB_DSN.

Examples:
  voicelabel migrate
  voicelabel migrate --down   # roll back the most recent migration`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DBDsn == "" {
				return errors.New("DB_DSN is required for migrate")
			}
			ctx := cmd.Context()
			database, err := db.Connect(ctx, cfg.DBDsn)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			if down {
				err = db.MigrateDown(ctx, database)
			} else {
				err = db.Migrate(ctx, database)
			}
			if err != nil {
				return err
			}
			version, dirty, err := db.MigrationVersion(ctx, database)
			if err != nil {
				return err
			}
			slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration instead")
	return cmd
}
