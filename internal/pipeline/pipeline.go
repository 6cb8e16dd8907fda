// Package pipeline conflates a stream of incoming addresses against the
// persistent store. Candidate retrieval and decisions run on a bounded
// worker pool; every write goes through a single writer so two decisions
// never race on the same stored record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geospatial"
	"github.com/mapbox/pt2itp/internal/loader"
	"github.com/mapbox/pt2itp/internal/model"
	"github.com/mapbox/pt2itp/internal/resilience"
)

// Retriever finds the stored candidates for an incoming address.
type Retriever interface {
	FindCandidates(ctx context.Context, a *model.Address) ([]model.Address, error)
}

// Options tunes a run.
type Options struct {
	// Workers bounds concurrent retrieve+decide calls. Default 1.
	Workers int
	// MaxRetries bounds how often the writer re-reads and re-decides a
	// record whose decision went stale.
	MaxRetries int
	// WriteRate caps store writes per second. Zero is unlimited.
	WriteRate float64
	// DryRun decides and reports without writing.
	DryRun bool
	// Output, when set, receives one GeoJSON feature line per mutating
	// action.
	Output io.Writer
}

// Stats counts outcomes of a run.
type Stats struct {
	Processed int64 `json:"processed"`
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Merged    int64 `json:"merged"`
	Unchanged int64 `json:"unchanged"`
	Errors    int64 `json:"errors"`
	Retries   int64 `json:"retries"`
	// Touched is the number of distinct stored ids updated, merged or
	// deleted.
	Touched uint64 `json:"touched"`
}

// FatalError ends a run early: the store is unreachable, the input failed,
// or the run was cancelled. Processed records keep their outcomes.
type FatalError struct {
	Processed int64
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: stopped after %d records: %v", e.Processed, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Pipeline runs conflation.
type Pipeline struct {
	retriever Retriever
	engine    *conflate.Engine
	store     geospatial.AddressStore
	errs      errsink.Sink
	opts      Options
	limiter   *rate.Limiter
	log       *zap.Logger

	// observe, when set, sees every action after it is applied.
	observe func(model.Action)
}

// New assembles a pipeline. errs receives every per-record failure.
func New(r Retriever, engine *conflate.Engine, store geospatial.AddressStore, errs errsink.Sink, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	p := &Pipeline{
		retriever: r,
		engine:    engine,
		store:     store,
		errs:      errs,
		opts:      opts,
		log:       zap.L().With(zap.String("component", "pipeline")),
	}
	if opts.WriteRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), 1)
	}
	return p
}

// rawSource is implemented by sources that know the input position and
// text of the record Next last returned.
type rawSource interface {
	Last() (line int64, text string)
}

// decision is a worker's outcome for one record.
type decision struct {
	line   int64
	raw    string
	record *model.Address
	action model.Action
	// epoch is the writer's mutation count when retrieval started.
	epoch uint64
	stage string
	err   error
}

// Run conflates every record of src. Per-record failures are reported to
// the error sink and counted; the run goes on. A lost store, an input
// failure or cancellation stops intake, lets in-flight records finish and
// returns the counts so far with a *FatalError.
func (p *Pipeline) Run(ctx context.Context, src loader.Source[*model.Address]) (Stats, error) {
	intake, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatal == nil {
			fatal = err
			p.log.Error("pipeline: stopping intake", zap.Error(err))
		}
		fatalMu.Unlock()
		stop(err)
	}

	// Records already taken from src finish on work even after ctx is
	// cancelled; only intake stops.
	work := context.WithoutCancel(ctx)
	w := newWriter(p)
	decisions := make(chan decision)
	raws, _ := src.(rawSource)

	go func() {
		defer close(decisions)
		var workers errgroup.Group
		slots := semaphore.NewWeighted(int64(p.opts.Workers))
		defer func() { _ = workers.Wait() }()

		var line int64
		for {
			if err := slots.Acquire(intake, 1); err != nil {
				return
			}
			if intake.Err() != nil {
				slots.Release(1)
				return
			}
			rec, err := src.Next(intake)
			if err != nil {
				slots.Release(1)
				if !errors.Is(err, io.EOF) && intake.Err() == nil {
					fail(eris.Wrap(err, "pipeline: read input"))
				}
				return
			}
			line++
			d := decision{line: line, record: rec}
			if raws != nil {
				d.line, d.raw = raws.Last()
			}
			workers.Go(func() error {
				defer slots.Release(1)
				decisions <- p.decide(work, w, d)
				return nil
			})
		}
	}()

	var stats Stats
	for d := range decisions {
		if err := w.handle(work, d, &stats); err != nil {
			fail(err)
		}
	}
	stats.Touched = w.mutated.GetCardinality()

	if err := w.out.flush(); err != nil && fatal == nil {
		fatal = err
	}
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}

	p.log.Info("pipeline: run complete",
		zap.Int64("processed", stats.Processed),
		zap.Int64("created", stats.Created),
		zap.Int64("updated", stats.Updated),
		zap.Int64("merged", stats.Merged),
		zap.Int64("unchanged", stats.Unchanged),
		zap.Int64("errors", stats.Errors),
		zap.Int64("retries", stats.Retries),
	)

	if fatal != nil {
		return stats, &FatalError{Processed: stats.Processed, Err: fatal}
	}
	return stats, nil
}

func (p *Pipeline) decide(ctx context.Context, w *writer, d decision) decision {
	rec := d.record
	d.epoch = w.begin()
	cands, err := p.retriever.FindCandidates(ctx, rec)
	if err != nil {
		d.stage, d.err = "retrieve", err
		return d
	}
	d.action, d.err = p.engine.Decide(rec, cands)
	if d.err != nil {
		d.stage = "decide"
	}
	return d
}

// isFatal reports whether err must stop the run rather than be routed.
func isFatal(err error) bool {
	return resilience.IsConnectivity(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
