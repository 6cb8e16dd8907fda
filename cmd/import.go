package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/app"
)

var (
	importInput  string
	importErrors string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk load a GeoJSON or shapefile input",
}

func newImportKindCmd(kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("input") {
				cfg.Import.Input = importInput
			}
			if cmd.Flags().Changed("errors") {
				cfg.Import.Errors = importErrors
			}
			if err := cfg.Validate("import"); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := app.Import(ctx, deps, app.ImportOptions{
				Kind:   kind,
				Input:  cfg.Import.Input,
				Errors: cfg.Import.Errors,
			})
			if err != nil {
				return err
			}

			zap.L().Info("import finished",
				zap.String("kind", kind),
				zap.Int64("rows", res.Rows),
				zap.Int64("rejected", res.Rejected),
				zap.Int64("errors", res.Errors),
			)
			return nil
		},
	}
}

func init() {
	importCmd.PersistentFlags().StringVar(&importInput, "input", "", "input path (.geojson, .geojsonl, .gz, .zst, .shp or - for stdin)")
	importCmd.PersistentFlags().StringVar(&importErrors, "errors", "", "error sink (file path or sqlite://path)")
	importCmd.AddCommand(
		newImportKindCmd(app.KindAddress, "Load address points into the address table"),
		newImportKindCmd(app.KindNetwork, "Load street lines into the network table"),
	)
	rootCmd.AddCommand(importCmd)
}
