package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/workflow"
)

// storeFlags selects the store a command operates on.
type storeFlags struct {
	driver     string
	dsnEnv     string
	sqlitePath string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.driver, "driver", config.DriverPostgres, "store driver: postgres or sqlite")
	cmd.Flags().StringVar(&f.dsnEnv, "dsn-env", "SIGNOFF_DATABASE_URL", "environment variable holding the Postgres DSN")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite-path", "signoff.db", "sqlite database file")
}

// migrator is a store that can apply its schema.
type migrator interface {
	workflow.Store
	Migrate(ctx context.Context) error
}

func (f *storeFlags) open(ctx context.Context) (migrator, error) {
	switch f.driver {
	case config.DriverSQLite:
		return workflow.OpenSQLite(ctx, f.sqlitePath)
	case config.DriverPostgres:
		dsn := os.Getenv(f.dsnEnv)
		if dsn == "" {
			return nil, fmt.Errorf("%s environment variable not set", f.dsnEnv)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return workflow.NewPgStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", f.driver)
	}
}

func newMigrateCmd() *cobra.Command {
	var flags storeFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the store tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema applied\n", flags.driver)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
