package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/geospatial"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the persistent schema",
	Long:  "Applies all pending schema migrations in lexicographic order. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("init"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := db.Connect(ctx, cfg.Store.ConnString())
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := geospatial.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "init")
		}

		zap.L().Info("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
