package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/carepath/medtrack/internal/infrastructure/postgres"
)

func newSchemaCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the Postgres DDL, or apply it with --apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !apply {
				fmt.Fprint(cmd.OutOrStdout(), postgres.Schema)
				return nil
			}

			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("--apply needs database.url (DATABASE_URL)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.ShutdownTimeout)
			defer cancel()
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the DDL to database.url")
	return cmd
}
