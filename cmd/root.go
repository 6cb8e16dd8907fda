package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/app"
	"github.com/mapbox/pt2itp/internal/config"
	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/pipeline"
	"github.com/mapbox/pt2itp/internal/resilience"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "pt2itp",
	Short:         "Address conflation against a PostGIS store",
	Long:          "Loads address points and street networks into PostGIS and conflates incoming address sets against the persistent set.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// connect opens the store pool and builds the dependencies shared by the
// import and conflate commands.
func connect(ctx context.Context) (*pgxpool.Pool, app.Deps, error) {
	tokens, err := cfg.Context.BuildContext()
	if err != nil {
		return nil, app.Deps{}, err
	}
	pool, err := db.Connect(ctx, cfg.Store.ConnString())
	if err != nil {
		return nil, app.Deps{}, err
	}
	return pool, app.Deps{Pool: pool, Copy: db.PoolCopySink{Pool: pool}, Context: tokens}, nil
}

// exitCode maps a command error to the process status: 2 for bad
// configuration, 3 when the store is unreachable or a run stopped early on
// a fatal condition.
func exitCode(err error) int {
	var cfgErr *config.ConfigurationError
	var fatal *pipeline.FatalError
	var conn *resilience.ConnectivityError
	switch {
	case errors.As(err, &cfgErr):
		return 2
	case errors.As(err, &fatal), errors.As(err, &conn):
		return 3
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("pt2itp failed", zap.Error(err))
		_ = zap.L().Sync()
		fmt.Fprintln(os.Stderr, "pt2itp:", err)
		os.Exit(exitCode(err))
	}
}
