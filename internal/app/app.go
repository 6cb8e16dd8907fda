// Package app wires the store, normalizer, loader and pipeline into the
// operations the CLI exposes.
package app

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geospatial"
	"github.com/mapbox/pt2itp/internal/loader"
	"github.com/mapbox/pt2itp/internal/model"
	"github.com/mapbox/pt2itp/internal/normalize"
	"github.com/mapbox/pt2itp/internal/pipeline"
	"github.com/mapbox/pt2itp/internal/resilience"
)

// Deps are the handles shared by every operation.
type Deps struct {
	Pool    db.Pool
	Copy    db.CopySink
	Context *model.Context
}

// Entity kinds accepted by Import.
const (
	KindAddress = "address"
	KindNetwork = "network"
)

// ImportOptions configures a bulk import.
type ImportOptions struct {
	Kind   string
	Input  string
	Errors string
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Rows int64 `json:"rows"`
	// Rejected counts features that failed to parse or normalize.
	Rejected int64 `json:"rejected"`
	// Errors counts entities that failed to encode.
	Errors int64 `json:"errors"`
}

// Import normalizes every feature of opts.Input and bulk loads it into the
// table for opts.Kind. Rejected features go to the error sink at
// opts.Errors.
func Import(ctx context.Context, deps Deps, opts ImportOptions) (ImportResult, error) {
	var table string
	switch opts.Kind {
	case KindAddress:
		table = geospatial.AddressTable
	case KindNetwork:
		table = geospatial.NetworkTable
	default:
		return ImportResult{}, eris.Errorf("app: unknown import kind %q", opts.Kind)
	}

	log := zap.L().With(zap.String("component", "app.import"), zap.String("kind", opts.Kind))

	errs, err := errsink.Open(ctx, opts.Errors)
	if err != nil {
		return ImportResult{}, err
	}
	defer closeSink(errs, log)

	src, err := normalize.OpenFeatures(opts.Input)
	if err != nil {
		return ImportResult{}, err
	}
	n := normalize.New(deps.Context)

	var (
		res      loader.Result
		rejected int64
	)
	switch opts.Kind {
	case KindAddress:
		stream := normalize.NewAddressStream(src, n, errs)
		defer stream.Close()
		res, err = loader.Load(ctx, deps.Copy, errs, loader.AddressSpec, stream)
		rejected = stream.Rejected()
	case KindNetwork:
		stream := normalize.NewNetworkStream(src, n, errs)
		defer stream.Close()
		res, err = loader.Load(ctx, deps.Copy, errs, loader.NetworkSpec, stream)
		rejected = stream.Rejected()
	}
	out := ImportResult{Rows: res.Rows, Rejected: rejected, Errors: res.Errors}
	if err != nil {
		return out, err
	}

	if err := geospatial.VacuumAnalyze(ctx, deps.Pool, table); err != nil {
		return out, err
	}

	log.Info("import complete",
		zap.String("input", opts.Input),
		zap.Int64("rows", out.Rows),
		zap.Int64("rejected", out.Rejected),
		zap.Int64("errors", out.Errors),
	)
	return out, nil
}

// ConflateOptions configures a conflation run.
type ConflateOptions struct {
	// InPersistent, when set, is bulk loaded as the persistent set first.
	InPersistent    string
	ErrorPersistent string
	InAddress       string
	ErrorAddress    string
	// Output receives GeoJSON lines of every change. "-" is stdout.
	Output string

	Engine     conflate.Config
	Workers    int
	MaxRetries int
	WriteRate  float64
	DryRun     bool
	Retry      resilience.RetryConfig
	Breaker    resilience.CircuitBreakerConfig
}

// ConflateResult summarizes a conflation run.
type ConflateResult struct {
	Persistent *ImportResult  `json:"persistent,omitempty"`
	Rejected   int64          `json:"rejected"`
	Stats      pipeline.Stats `json:"stats"`
}

// Conflate optionally loads the persistent set, then runs every incoming
// address through the pipeline. A *pipeline.FatalError is returned with the
// partial result when the run stops early.
func Conflate(ctx context.Context, deps Deps, opts ConflateOptions) (ConflateResult, error) {
	var out ConflateResult
	log := zap.L().With(zap.String("component", "app.conflate"))

	if opts.InPersistent != "" {
		res, err := Import(ctx, deps, ImportOptions{Kind: KindAddress, Input: opts.InPersistent, Errors: opts.ErrorPersistent})
		out.Persistent = &res
		if err != nil {
			return out, eris.Wrap(err, "app: load persistent addresses")
		}
	}

	engine, err := conflate.NewEngine(opts.Engine, deps.Context)
	if err != nil {
		return out, err
	}
	retriever, err := geospatial.NewRetriever(deps.Pool, opts.Engine,
		geospatial.WithRetry(opts.Retry),
		geospatial.WithBreaker(resilience.NewCircuitBreaker(opts.Breaker)),
	)
	if err != nil {
		return out, err
	}

	errs, err := errsink.Open(ctx, opts.ErrorAddress)
	if err != nil {
		return out, err
	}
	defer closeSink(errs, log)

	var output io.Writer
	if opts.Output != "" {
		w, err := createOutput(opts.Output)
		if err != nil {
			return out, err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("app: close output", zap.Error(err))
			}
		}()
		output = w
	}

	src, err := normalize.OpenFeatures(opts.InAddress)
	if err != nil {
		return out, err
	}
	stream := normalize.NewAddressStream(src, normalize.New(deps.Context), errs)
	defer stream.Close()

	p := pipeline.New(retriever, engine, geospatial.NewPostgresStore(deps.Pool), errs, pipeline.Options{
		Workers:    opts.Workers,
		MaxRetries: opts.MaxRetries,
		WriteRate:  opts.WriteRate,
		DryRun:     opts.DryRun,
		Output:     output,
	})
	out.Stats, err = p.Run(ctx, stream)
	out.Rejected = stream.Rejected()
	return out, err
}

func closeSink(s errsink.Sink, log *zap.Logger) {
	if err := s.Close(); err != nil {
		log.Warn("app: close error sink", zap.Error(err))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type stackedWriter struct {
	io.Writer
	closers []io.Closer
}

func (s stackedWriter) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// createOutput opens path for GeoJSON lines, compressed by extension.
func createOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "app: create output %s", path)
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, eris.Wrap(err, "app: zstd output")
		}
		return stackedWriter{Writer: zw, closers: []io.Closer{zw, f}}, nil
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(f)
		return stackedWriter{Writer: gw, closers: []io.Closer{gw, f}}, nil
	default:
		return f, nil
	}
}
