package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geospatial"
	"github.com/mapbox/pt2itp/internal/model"
	"github.com/mapbox/pt2itp/internal/resilience"
)

// writer applies decisions one at a time. Only handle and its callees touch
// mutated, written and created; begin is called from workers.
type writer struct {
	p       *Pipeline
	mutated *roaring64.Bitmap
	// written is the mutation count at the last write of each mutated id.
	written map[uint64]uint64
	created *createJournal
	out     *featureWriter

	mu       sync.Mutex
	applied  uint64
	inflight map[uint64]int
}

func newWriter(p *Pipeline) *writer {
	return &writer{
		p:        p,
		mutated:  roaring64.New(),
		written:  make(map[uint64]uint64),
		created:  newCreateJournal(p.engine.Config()),
		out:      newFeatureWriter(p.opts.Output),
		inflight: make(map[uint64]int),
	}
}

// begin registers a retrieval and returns the current mutation count.
func (w *writer) begin() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[w.applied]++
	return w.applied
}

func (w *writer) end(epoch uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[epoch]--; w.inflight[epoch] <= 0 {
		delete(w.inflight, epoch)
	}
}

// oldestInflight is the smallest epoch still being decided, or the current
// mutation count when nothing is in flight.
func (w *writer) oldestInflight() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	oldest := w.applied
	for e := range w.inflight {
		if e < oldest {
			oldest = e
		}
	}
	return oldest
}

func (w *writer) bump() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applied++
	return w.applied
}

// handle applies d and updates stats. A non-nil return is fatal.
func (w *writer) handle(ctx context.Context, d decision, stats *Stats) error {
	w.end(d.epoch)
	stats.Processed++

	action, stage, err := d.action, d.stage, d.err
	fresh := false
	for attempt := 0; ; attempt++ {
		if err != nil {
			return w.reject(ctx, d, stage, err, stats)
		}
		if fresh || !w.stale(action, d) {
			id, werr := w.apply(ctx, action)
			if werr == nil {
				count(action, stats)
				if w.p.observe != nil {
					w.p.observe(action)
				}
				return w.out.write(action, id)
			}
			if !errors.Is(werr, geospatial.ErrVersionConflict) {
				return w.reject(ctx, d, "write", resilience.Classify("write", d.record.Key(), werr), stats)
			}
		}
		if attempt >= w.p.opts.MaxRetries {
			return w.exhausted(ctx, d, stats)
		}
		stats.Retries++
		action, stage, err = w.redecide(ctx, d.record)
		fresh = true
	}
}

// stale reports whether a decision was made on state this run has since
// changed: it targets a record written after its retrieval started, or it
// creates a record next to one inserted after its retrieval started.
func (w *writer) stale(a model.Action, d decision) bool {
	if w.p.opts.DryRun {
		return false
	}
	switch a.Kind {
	case model.ActionUpdate, model.ActionMerge:
		for _, id := range a.IDs {
			if w.mutated.Contains(uint64(id)) && w.written[uint64(id)] > d.epoch {
				return true
			}
		}
	case model.ActionCreate:
		return w.created.conflicts(a.Record, d.epoch)
	}
	return false
}

// redecide re-reads the candidates of rec and decides again.
func (w *writer) redecide(ctx context.Context, rec *model.Address) (model.Action, string, error) {
	cands, err := w.p.retriever.FindCandidates(ctx, rec)
	if err != nil {
		return model.Action{}, "retrieve", err
	}
	a, err := w.p.engine.Decide(rec, cands)
	if err != nil {
		return model.Action{}, "decide", err
	}
	return a, "", nil
}

// apply writes a and returns the id of the surviving record.
func (w *writer) apply(ctx context.Context, a model.Action) (int64, error) {
	primary, _ := a.Primary()
	if !a.Mutates() || w.p.opts.DryRun {
		return primary, nil
	}
	if w.p.limiter != nil {
		if err := w.p.limiter.Wait(ctx); err != nil {
			return 0, eris.Wrap(err, "pipeline: wait for write slot")
		}
	}

	st := w.p.store
	switch a.Kind {
	case model.ActionCreate:
		id, err := st.InsertAddress(ctx, a.Record)
		if err != nil {
			return 0, err
		}
		w.created.add(a.Record, w.bump())
		w.maybePrune()
		return id, nil
	case model.ActionUpdate:
		if len(a.Versions) == 0 {
			return 0, eris.New("pipeline: update without version")
		}
		if err := st.ReviseAddress(ctx, a.Record, a.Versions[0]); err != nil {
			return 0, err
		}
	case model.ActionMerge:
		if err := st.MergeAddresses(ctx, a.Record, a.IDs, a.Versions); err != nil {
			return 0, err
		}
	}
	seq := w.bump()
	for _, id := range a.IDs {
		w.mutated.Add(uint64(id))
		w.written[uint64(id)] = seq
	}
	return primary, nil
}

func (w *writer) maybePrune() {
	if w.created.size < pruneEvery {
		return
	}
	w.created.prune(w.oldestInflight())
}

func count(a model.Action, stats *Stats) {
	switch a.Kind {
	case model.ActionCreate:
		stats.Created++
	case model.ActionUpdate:
		stats.Updated++
	case model.ActionMerge:
		stats.Merged++
	default:
		stats.Unchanged++
	}
}

// reject routes a per-record failure to the error sink. Fatal errors are
// returned instead.
func (w *writer) reject(ctx context.Context, d decision, stage string, err error, stats *Stats) error {
	if isFatal(err) {
		return err
	}
	stats.Errors++
	e := errsink.New(stage, d.record.Key(), err)
	e.Line = d.line
	e.Raw = d.raw
	w.p.log.Debug("pipeline: record rejected",
		zap.String("stage", stage), zap.String("record", e.Record), zap.Error(err))
	return w.report(ctx, e)
}

func (w *writer) exhausted(ctx context.Context, d decision, stats *Stats) error {
	stats.Errors++
	e := errsink.Entry{
		Stage:  "write",
		Kind:   errsink.KindRetry,
		Reason: "decision went stale on every retry",
		Record: d.record.Key(),
		Line:   d.line,
		Raw:    d.raw,
	}
	return w.report(ctx, e)
}

// report writes to the sink even after cancellation so routed failures of
// in-flight records are not lost.
func (w *writer) report(ctx context.Context, e errsink.Entry) error {
	if err := w.p.errs.Report(context.WithoutCancel(ctx), e); err != nil {
		return eris.Wrap(err, "pipeline: report error")
	}
	return nil
}
