package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/app"
	"github.com/mapbox/pt2itp/internal/config"
	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/resilience"
)

var (
	conflateIn         string
	conflatePersistent string
	conflateErrors     string
	conflateOutput     string
	conflateDryRun     bool
)

var conflateCmd = &cobra.Command{
	Use:   "conflate",
	Short: "Conflate incoming addresses against the persistent set",
	Long: "Optionally loads the persistent address set, then decides create, update or merge for every " +
		"incoming address and applies the decision to the store. Ambiguous and failed records go to the error sink.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		if flags.Changed("in-address") {
			cfg.Conflate.InAddress = conflateIn
		}
		if flags.Changed("in-persistent") {
			cfg.Conflate.InPersistent = conflatePersistent
		}
		if flags.Changed("error-address") {
			cfg.Conflate.ErrorAddress = conflateErrors
		}
		if flags.Changed("output") {
			cfg.Conflate.Output = conflateOutput
		}
		if flags.Changed("dry-run") {
			cfg.Conflate.DryRun = conflateDryRun
		}
		if err := cfg.Validate("conflate"); err != nil {
			return err
		}
		opts, err := conflateOptions(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, deps, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		res, err := app.Conflate(ctx, deps, opts)
		s := res.Stats
		zap.L().Info("conflate finished",
			zap.Int64("processed", s.Processed),
			zap.Int64("created", s.Created),
			zap.Int64("updated", s.Updated),
			zap.Int64("merged", s.Merged),
			zap.Int64("unchanged", s.Unchanged),
			zap.Int64("errors", s.Errors),
			zap.Int64("rejected", res.Rejected),
			zap.Error(err),
		)
		if cfg.Conflate.Output != "-" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
		}
		return err
	},
}

// conflateOptions maps the loaded configuration onto the run options.
func conflateOptions(c *config.Config) (app.ConflateOptions, error) {
	cf := c.Conflate
	metric, err := conflate.ParseMetric(cf.Metric)
	if err != nil {
		return app.ConflateOptions{}, &config.ConfigurationError{Key: "conflate.metric", Reason: err.Error()}
	}
	st := c.Store
	return app.ConflateOptions{
		InPersistent:    cf.InPersistent,
		ErrorPersistent: cf.ErrorPersistent,
		InAddress:       cf.InAddress,
		ErrorAddress:    cf.ErrorAddress,
		Output:          cf.Output,
		Engine: conflate.Config{
			Metric:           metric,
			Threshold:        cf.Threshold,
			IdentityDistance: cf.IdentityDistance,
			MatchThreshold:   cf.MatchThreshold,
			NameSimilarity:   cf.NameSimilarity,
			WeightProximity:  cf.Weights.Proximity,
			WeightNames:      cf.Weights.Names,
			Epsilon:          cf.Epsilon,
			IgnoreProps:      cf.IgnoreProps,
		},
		Workers:    cf.Workers,
		MaxRetries: cf.MaxRetries,
		WriteRate:  cf.WriteRate,
		DryRun:     cf.DryRun,
		Retry:      resilience.FromRetryConfig(st.RetryMaxAttempts, st.RetryInitialBackoffMs, st.RetryMaxBackoffMs),
		Breaker:    resilience.FromCircuitConfig(st.CircuitThreshold, st.CircuitResetSecs),
	}, nil
}

func init() {
	f := conflateCmd.Flags()
	f.StringVar(&conflateIn, "in-address", "", "incoming address input")
	f.StringVar(&conflatePersistent, "in-persistent", "", "persistent address input loaded before conflation")
	f.StringVar(&conflateErrors, "error-address", "", "error sink for incoming records (file path or sqlite://path)")
	f.StringVar(&conflateOutput, "output", "", "GeoJSON lines of every change (- for stdout)")
	f.BoolVar(&conflateDryRun, "dry-run", false, "decide without writing to the store")
	rootCmd.AddCommand(conflateCmd)
}
