package loader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"runtime"
	"strings"
	"sync"
	"testing"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/errsink"
	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// bufferSink keeps the whole COPY stream.
type bufferSink struct {
	sql string
	buf bytes.Buffer
}

func (s *bufferSink) CopyFrom(_ context.Context, r io.Reader, sql string) (int64, error) {
	s.sql = sql
	if _, err := io.Copy(&s.buf, r); err != nil {
		return 0, err
	}
	return int64(bytes.Count(s.buf.Bytes(), []byte{'\n'})), nil
}

// countingSink counts rows without retaining them.
type countingSink struct{}

func (countingSink) CopyFrom(_ context.Context, r io.Reader, _ string) (int64, error) {
	var n int64
	chunk := make([]byte, 32*1024)
	for {
		k, err := r.Read(chunk)
		n += int64(bytes.Count(chunk[:k], []byte{'\n'}))
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// failingSink reads a little and then fails.
type failingSink struct{}

func (failingSink) CopyFrom(_ context.Context, r io.Reader, _ string) (int64, error) {
	_, _ = r.Read(make([]byte, 16))
	return 0, errors.New("invalid input syntax for type json")
}

// genSource produces n addresses on demand.
type genSource struct {
	n, i int
	bad  map[int]bool
}

func (g *genSource) Next(_ context.Context) (*model.Address, error) {
	if g.i >= g.n {
		return nil, io.EOF
	}
	g.i++
	lon := -77.0 + float64(g.i)*1e-6
	if g.bad[g.i] {
		lon = math.NaN()
	}
	return &model.Address{
		Number: "100",
		Names:  []model.Name{{Display: "Main St", Tokenized: "main st"}},
		Geom:   geometry.Point{Lon: lon, Lat: 38.9},
	}, nil
}

// trackedSource hands out genSource addresses and keeps a weak pointer to
// each so a sink can count how many are still reachable.
type trackedSource struct {
	gen genSource

	mu   sync.Mutex
	seen []weak.Pointer[model.Address]
}

func (s *trackedSource) Next(ctx context.Context) (*model.Address, error) {
	a, err := s.gen.Next(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seen = append(s.seen, weak.Make(a))
	s.mu.Unlock()
	return a, nil
}

// live collects garbage and returns how many handed-out addresses survive.
// Dead pointers are dropped so later calls only scan recent ones.
func (s *trackedSource) live() int {
	runtime.GC()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.seen[:0]
	for _, p := range s.seen {
		if p.Value() != nil {
			kept = append(kept, p)
		}
	}
	clear(s.seen[len(kept):])
	s.seen = kept
	return len(kept)
}

// retentionSink drains the COPY stream and samples src.live every
// `every` rows.
type retentionSink struct {
	src     *trackedSource
	every   int64
	maxLive int
}

func (s *retentionSink) CopyFrom(_ context.Context, r io.Reader, _ string) (int64, error) {
	var n, next int64 = 0, s.every
	chunk := make([]byte, 4*1024)
	for {
		k, err := r.Read(chunk)
		n += int64(bytes.Count(chunk[:k], []byte{'\n'}))
		if n >= next {
			s.maxLive = max(s.maxLive, s.src.live())
			next = n + s.every
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

type failingErrSink struct{}

func (failingErrSink) Report(context.Context, errsink.Entry) error { return errors.New("disk full") }
func (failingErrSink) Close() error                                 { return nil }

func TestAddressRow_Layout(t *testing.T) {
	props := model.NewProps()
	props.Set("note", "tab\there\\back")
	a := &model.Address{
		Number:      " 100 A ",
		Names:       []model.Name{{Display: "Main\tSt", Tokenized: "main st"}},
		Output:      true,
		Interpolate: true,
		Props:       props,
		Geom:        geometry.Point{Lon: -77.1, Lat: 38.9},
	}

	row, err := AddressRow(nil, a)
	require.NoError(t, err)

	s := string(row)
	require.True(t, strings.HasSuffix(s, "\n"))
	cols := strings.Split(strings.TrimSuffix(s, "\n"), "\t")
	require.Len(t, cols, 5)
	assert.Equal(t, `[{"display":"Main\\tSt","tokenized":"main st"}]`, cols[0])
	assert.Equal(t, "100a", cols[1])
	assert.Equal(t, `\N`, cols[2])
	assert.Equal(t, `{"note":"tab\\there\\\\back"}`, cols[3])

	hex, err := geometry.Encode(a.Geom)
	require.NoError(t, err)
	assert.Equal(t, hex, cols[4])
}

func TestAddressRow_Source(t *testing.T) {
	a := &model.Address{Number: "1", Source: model.String("tiger-2020"), Output: true, Interpolate: true, Geom: geometry.Point{Lon: 1, Lat: 2}}
	row, err := AddressRow(nil, a)
	require.NoError(t, err)
	cols := strings.Split(strings.TrimSuffix(string(row), "\n"), "\t")
	assert.Equal(t, "[]", cols[0])
	assert.Equal(t, "tiger-2020", cols[2])
	assert.Equal(t, "{}", cols[3])
}

func TestAddressRow_CarriesFlags(t *testing.T) {
	props := model.NewProps()
	props.Set("zip", "20001")
	a := &model.Address{Number: "1", Output: false, Interpolate: true, Props: props, Geom: geometry.Point{Lon: 1, Lat: 2}}

	row, err := AddressRow(nil, a)
	require.NoError(t, err)
	cols := strings.Split(strings.TrimSuffix(string(row), "\n"), "\t")
	require.Len(t, cols, 5)
	assert.Equal(t, `{"zip":"20001","output":false}`, cols[3])
	assert.Equal(t, []string{"zip"}, a.Props.Keys(), "input props untouched")
}

func TestAddressRow_NonFinite(t *testing.T) {
	_, err := AddressRow(nil, &model.Address{Number: "1", Geom: geometry.Point{Lon: math.Inf(1), Lat: 0}})
	require.Error(t, err)
	assert.ErrorIs(t, err, geometry.ErrNonFinite)
}

func TestNetworkRow_Layout(t *testing.T) {
	n := &model.Network{
		Names: []model.Name{{Display: "Main St"}},
		Geom:  geometry.MultiLine{{{Lon: 0, Lat: 0}, {Lon: 1, Lat: 1}}},
	}
	row, err := NetworkRow(nil, n)
	require.NoError(t, err)
	cols := strings.Split(strings.TrimSuffix(string(row), "\n"), "\t")
	require.Len(t, cols, 4)
	assert.Equal(t, `\N`, cols[1])
}

func TestTableSQL(t *testing.T) {
	assert.Equal(t, `COPY "address" ("names", "number", "source", "props", "geom") FROM STDIN`, AddressTable.SQL())
	assert.Equal(t, `COPY "network" ("names", "source", "props", "geom") FROM STDIN`, NetworkTable.SQL())
}

func TestLoad_WritesRows(t *testing.T) {
	sink := &bufferSink{}
	errs := errsink.NewMemory()

	res, err := Load(context.Background(), sink, errs, AddressSpec, &genSource{n: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, int64(0), res.Errors)
	assert.Equal(t, AddressTable.SQL(), sink.sql)
	assert.Equal(t, 3, strings.Count(sink.buf.String(), "\n"))
}

func TestLoad_StreamsManyRecords(t *testing.T) {
	const n = 200000
	res, err := Load(context.Background(), countingSink{}, &errsink.Discard{}, AddressSpec, &genSource{n: n})
	require.NoError(t, err)
	assert.Equal(t, int64(n), res.Rows)
}

func TestLoad_DoesNotRetainRecords(t *testing.T) {
	for _, n := range []int{5000, 50000} {
		src := &trackedSource{gen: genSource{n: n}}
		sink := &retentionSink{src: src, every: 500}

		res, err := Load(context.Background(), sink, &errsink.Discard{}, AddressSpec, src)
		require.NoError(t, err)
		assert.Equal(t, int64(n), res.Rows)
		assert.LessOrEqual(t, sink.maxLive, 8, "n=%d: records loaded stay reachable", n)
		assert.Zero(t, src.live(), "n=%d", n)
	}
}

func TestLoad_IsolatesBadRecords(t *testing.T) {
	sink := &bufferSink{}
	errs := errsink.NewMemory()

	res, err := Load(context.Background(), sink, errs, AddressSpec, &genSource{n: 10, bad: map[int]bool{4: true}})
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Rows)
	assert.Equal(t, int64(1), res.Errors)

	entries := errs.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "load", entries[0].Stage)
	assert.Equal(t, errsink.KindRecord, entries[0].Kind)
	assert.Equal(t, int64(4), entries[0].Line)
	assert.Contains(t, entries[0].Reason, "non-finite")
}

func TestLoad_ErrorSinkFailureAborts(t *testing.T) {
	_, err := Load(context.Background(), &bufferSink{}, failingErrSink{}, AddressSpec, &genSource{n: 5, bad: map[int]bool{2: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestLoad_CopyFailure(t *testing.T) {
	_, err := Load(context.Background(), failingSink{}, errsink.NewMemory(), AddressSpec, &genSource{n: 50000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input syntax")
}

func TestLoad_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, &bufferSink{}, errsink.NewMemory(), AddressSpec, &genSource{n: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad_Networks(t *testing.T) {
	sink := &bufferSink{}
	src := NewSliceSource([]*model.Network{
		{Names: []model.Name{{Display: "A"}}, Geom: geometry.MultiLine{{{Lon: 0, Lat: 0}, {Lon: 1, Lat: 0}}}},
		{Names: []model.Name{{Display: "B"}}, Geom: geometry.MultiLine{{{Lon: 0, Lat: 1}, {Lon: 1, Lat: 1}}}},
	})
	res, err := Load(context.Background(), sink, errsink.NewMemory(), NetworkSpec, src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, NetworkTable.SQL(), sink.sql)
}
