package normalize

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/model"
)

// Stream turns a FeatureSource into a stream of entities. Records that
// fail to parse or normalize are reported to the error sink and skipped.
type Stream[E any] struct {
	src       FeatureSource
	errs      errsink.Sink
	normalize func(*Feature) (E, error)
	rejected  atomic.Int64

	lastLine int64
	lastText string
}

// NewAddressStream streams addresses from src.
func NewAddressStream(src FeatureSource, n *Normalizer, errs errsink.Sink) *Stream[*model.Address] {
	return &Stream[*model.Address]{src: src, errs: errs, normalize: n.Address}
}

// NewNetworkStream streams networks from src.
func NewNetworkStream(src FeatureSource, n *Normalizer, errs errsink.Sink) *Stream[*model.Network] {
	return &Stream[*model.Network]{src: src, errs: errs, normalize: n.Network}
}

// Next returns the next entity, io.EOF at the end of input.
func (s *Stream[E]) Next(ctx context.Context) (E, error) {
	var zero E
	for {
		raw, err := s.src.Next(ctx)
		if err != nil {
			return zero, err
		}

		perr := raw.Err
		if perr == nil {
			e, err := s.normalize(raw.Feature)
			if err == nil {
				s.lastLine, s.lastText = raw.Line, raw.Text
				return e, nil
			}
			perr = err
		}

		s.rejected.Add(1)
		entry := errsink.New("normalize", "", perr)
		entry.Kind = errsink.KindRecord
		entry.Line = raw.Line
		entry.Raw = raw.Text
		if err := s.errs.Report(ctx, entry); err != nil {
			return zero, eris.Wrap(err, "normalize: report error")
		}
	}
}

// Last returns the input line number and text of the entity most recently
// returned by Next. It must be called from the goroutine calling Next.
func (s *Stream[E]) Last() (int64, string) { return s.lastLine, s.lastText }

// Rejected returns how many records were routed to the error sink.
func (s *Stream[E]) Rejected() int64 { return s.rejected.Load() }

// Close closes the underlying source.
func (s *Stream[E]) Close() error { return s.src.Close() }
