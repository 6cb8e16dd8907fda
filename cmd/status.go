package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geospatial"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and review queue statistics",
	Long:  "Prints row counts and sizes of the persistent tables and, when the error sink is a SQLite queue, the records awaiting review.",
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

		stats, err := geospatial.GetTableStats(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		var pending []errsink.Entry
		if target := cfg.Conflate.ErrorAddress; strings.HasPrefix(target, "sqlite://") {
			q, err := errsink.OpenSQLite(ctx, strings.TrimPrefix(target, "sqlite://"))
			if err != nil {
				return err
			}
			defer q.Close()
			if pending, err = q.Pending(ctx); err != nil {
				return err
			}
			if pending == nil {
				pending = []errsink.Entry{}
			}
		}

		printStatus(os.Stdout, stats, pending)
		return nil
	},
}

func printStatus(w io.Writer, stats []geospatial.TableStats, pending []errsink.Entry) {
	fmt.Fprintln(w, "=== Store ===")
	for _, s := range stats {
		spatial := "no"
		if s.HasSpatial {
			spatial = "yes"
		}
		fmt.Fprintf(w, "%-10s rows=%-10d size=%-10s indexes=%-10s spatial=%s\n",
			s.TableName, s.RowCount, s.TotalSize, s.IndexSize, spatial)
	}
	if pending == nil {
		return
	}

	byKind := make(map[string]int)
	for _, e := range pending {
		byKind[e.Kind]++
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Review queue ===")
	fmt.Fprintf(w, "Pending: %d\n", len(pending))
	for _, kind := range []string{errsink.KindAmbiguous, errsink.KindRecord, errsink.KindRetry, errsink.KindError} {
		if n := byKind[kind]; n > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", kind, n)
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
