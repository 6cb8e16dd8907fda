// Package loader streams normalized entities into the store as PostgreSQL
// text COPY rows without holding the dataset in memory.
package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// Source yields entities one at a time. Next returns io.EOF when the
// stream is exhausted.
type Source[E any] interface {
	Next(ctx context.Context) (E, error)
}

// SliceSource serves a fixed slice. Used for small inputs and tests.
type SliceSource[E any] struct {
	items []E
	pos   int
}

// NewSliceSource returns a Source over items.
func NewSliceSource[E any](items []E) *SliceSource[E] {
	return &SliceSource[E]{items: items}
}

func (s *SliceSource[E]) Next(ctx context.Context) (E, error) {
	var zero E
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if s.pos >= len(s.items) {
		return zero, io.EOF
	}
	s.pos++
	return s.items[s.pos-1], nil
}

// Table is a COPY target and its fixed column layout.
type Table struct {
	Name    string
	Columns []string
}

var (
	// AddressTable is the address row layout.
	AddressTable = Table{Name: "address", Columns: []string{"names", "number", "source", "props", "geom"}}
	// NetworkTable is the network row layout.
	NetworkTable = Table{Name: "network", Columns: []string{"names", "source", "props", "geom"}}
)

// SQL returns the COPY statement for t.
func (t Table) SQL() string { return db.CopySQL(t.Name, t.Columns) }

// AddressRow appends a's COPY row to dst.
func AddressRow(dst []byte, a *model.Address) ([]byte, error) {
	if a == nil {
		return dst, eris.New("loader: nil address")
	}
	names, err := json.Marshal(namesOrEmpty(a.Names))
	if err != nil {
		return dst, eris.Wrap(err, "loader: marshal names")
	}
	props, err := a.StoredProps().MarshalJSON()
	if err != nil {
		return dst, err
	}
	geom, err := geometry.Encode(a.Geom)
	if err != nil {
		return dst, eris.Wrap(err, "loader: encode geometry")
	}
	n, p := string(names), string(props)
	number := model.NormalizeNumber(a.Number)
	return db.AppendRow(dst, &n, &number, a.Source, &p, &geom), nil
}

// NetworkRow appends n's COPY row to dst.
func NetworkRow(dst []byte, n *model.Network) ([]byte, error) {
	if n == nil {
		return dst, eris.New("loader: nil network")
	}
	names, err := json.Marshal(namesOrEmpty(n.Names))
	if err != nil {
		return dst, eris.Wrap(err, "loader: marshal names")
	}
	props, err := n.Props.MarshalJSON()
	if err != nil {
		return dst, err
	}
	geom, err := geometry.Encode(n.Geom)
	if err != nil {
		return dst, eris.Wrap(err, "loader: encode geometry")
	}
	ns, p := string(names), string(props)
	return db.AppendRow(dst, &ns, n.Source, &p, &geom), nil
}

func namesOrEmpty(names []model.Name) []model.Name {
	if names == nil {
		return []model.Name{}
	}
	return names
}

// Result summarizes a load.
type Result struct {
	Rows   int64
	Errors int64
}

// RowSpec tells Load how to write one entity type.
type RowSpec[E any] struct {
	Table  Table
	Encode func(dst []byte, e E) ([]byte, error)
	Key    func(e E) string
}

// AddressSpec writes addresses to AddressTable.
var AddressSpec = RowSpec[*model.Address]{Table: AddressTable, Encode: AddressRow, Key: (*model.Address).Key}

// NetworkSpec writes networks to NetworkTable.
var NetworkSpec = RowSpec[*model.Network]{Table: NetworkTable, Encode: NetworkRow, Key: (*model.Network).Key}

// Load pulls every entity from src, encodes it and streams the rows into
// sink. Entities that fail to encode are reported to errs and skipped. A
// source, error sink or COPY failure aborts the load.
func Load[E any](ctx context.Context, sink db.CopySink, errs errsink.Sink, spec RowSpec[E], src Source[E]) (Result, error) {
	log := zap.L().With(zap.String("component", "loader"), zap.String("table", spec.Table.Name))

	var res Result
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := sink.CopyFrom(gctx, pr, spec.Table.SQL())
		// Unblock the producer if COPY stopped reading early.
		pr.CloseWithError(errCopyStopped)
		if err != nil {
			return eris.Wrapf(err, "loader: copy into %s", spec.Table.Name)
		}
		res.Rows = n
		return nil
	})

	var prodErr error
	g.Go(func() error {
		prodErr = produce(gctx, pw, errs, spec, src, &res)
		pw.CloseWithError(prodErr)
		return prodErr
	})

	err := g.Wait()
	// A producer canceled by a failed COPY reports the COPY error instead.
	if prodErr != nil && (ctx.Err() != nil || !errors.Is(prodErr, context.Canceled)) {
		return res, prodErr
	}
	if err != nil {
		return res, err
	}

	log.Info("load complete", zap.Int64("rows", res.Rows), zap.Int64("errors", res.Errors))
	return res, nil
}

var errCopyStopped = errors.New("loader: copy stopped reading")

func produce[E any](ctx context.Context, pw *io.PipeWriter, errs errsink.Sink, spec RowSpec[E], src Source[E], res *Result) error {
	w := bufio.NewWriterSize(pw, 64*1024)
	buf := make([]byte, 0, 1024)

	var pos int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return eris.Wrap(err, "loader: read source")
		}
		pos++

		row, err := spec.Encode(buf[:0], e)
		if err != nil {
			res.Errors++
			entry := errsink.New("load", spec.Key(e), err)
			entry.Kind = errsink.KindRecord
			entry.Line = pos
			if rerr := errs.Report(ctx, entry); rerr != nil {
				return eris.Wrap(rerr, "loader: report error")
			}
			continue
		}
		buf = row

		if _, err := w.Write(row); err != nil {
			if errors.Is(err, errCopyStopped) {
				// The COPY side failed; its error is the one returned.
				return nil
			}
			return eris.Wrap(err, "loader: write row")
		}
	}

	if err := w.Flush(); err != nil && !errors.Is(err, errCopyStopped) {
		return eris.Wrap(err, "loader: flush")
	}
	return nil
}
