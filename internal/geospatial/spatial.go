package geospatial

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
	"github.com/mapbox/pt2itp/internal/resilience"
)

const candidateColumns = `p.id, p.version, p.names, p.number, COALESCE(p.source, ''),
		       p.output, p.interpolate, p.props, ST_AsHEXEWKB(p.geom)`

// planarCandidatesSQL compares in degrees on the geometry column.
const planarCandidatesSQL = `
		SELECT ` + candidateColumns + `
		FROM address p
		WHERE lower(p.number) = lower($1)
		  AND ST_DWithin(p.geom, ST_SetSRID(ST_MakePoint($2, $3), 4326), $4)`

// geodesicCandidatesSQL compares in metres on the sphere, which is what
// conflate.Geodesic computes.
const geodesicCandidatesSQL = `
		SELECT ` + candidateColumns + `
		FROM address p
		WHERE lower(p.number) = lower($1)
		  AND ST_DWithin(p.geom::geography, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4, false)`

// Retriever finds persistent addresses that may correspond to an incoming
// one: same house number, within the configured distance.
type Retriever struct {
	pool    db.Pool
	metric  conflate.Metric
	radius  float64
	eps     float64
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetry sets the retry policy for transient query failures.
func WithRetry(cfg resilience.RetryConfig) RetrieverOption {
	return func(r *Retriever) { r.retry = cfg }
}

// WithBreaker guards queries with cb.
func WithBreaker(cb *resilience.CircuitBreaker) RetrieverOption {
	return func(r *Retriever) { r.breaker = cb }
}

// NewRetriever creates a retriever using the metric, threshold and epsilon
// of cfg. cfg is normalized first so a zero threshold selects the metric
// default.
func NewRetriever(pool db.Pool, cfg conflate.Config, opts ...RetrieverOption) (*Retriever, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	r := &Retriever{
		pool:   pool,
		metric: cfg.Metric,
		radius: cfg.Threshold,
		eps:    cfg.Epsilon,
		retry:  resilience.DefaultRetryConfig(),
		log:    zap.L().With(zap.String("component", "geospatial.retrieve")),
	}
	for _, o := range opts {
		o(r)
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = resilience.RetryLogger("geospatial.retrieve")
	}
	return r, nil
}

// FindCandidates returns the stored addresses with the same normalized
// number as a whose point lies within the threshold. The boundary is
// inclusive: rows are fetched with a radius widened by epsilon and every
// row is re-checked with conflate.Within. Order is unspecified.
//
// Failures are classified: connection loss yields a
// *resilience.ConnectivityError, anything else a *resilience.RecordError
// naming a.
func (r *Retriever) FindCandidates(ctx context.Context, a *model.Address) ([]model.Address, error) {
	if a == nil {
		return nil, eris.New("geospatial: find candidates for nil address")
	}
	if !a.Geom.Finite() {
		return nil, resilience.NewRecordError("retrieve", a.Key(), geometry.ErrNonFinite)
	}

	query := planarCandidatesSQL
	if r.metric == conflate.Geodesic {
		query = geodesicCandidatesSQL
	}
	number := model.NormalizeNumber(a.Number)

	rows, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]model.Address, error) {
		if r.breaker == nil {
			return r.query(ctx, query, number, a.Geom)
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]model.Address, error) {
			return r.query(ctx, query, number, a.Geom)
		})
	})
	if err != nil {
		return nil, resilience.Classify("retrieve", a.Key(), err)
	}

	out := rows[:0]
	for _, c := range rows {
		d := r.metric.Distance(a.Geom, c.Geom)
		if !conflate.Within(d, r.radius, r.eps) {
			r.log.Debug("dropping candidate beyond threshold",
				zap.Int64("id", *c.ID), zap.Float64("distance", d))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Retriever) query(ctx context.Context, query, number string, pt geometry.Point) ([]model.Address, error) {
	rows, err := r.pool.Query(ctx, query, number, pt.Lon, pt.Lat, r.radius+r.eps)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: query candidates")
	}
	defer rows.Close()

	out := []model.Address{}
	for rows.Next() {
		var (
			id, version         int64
			names, props        json.RawMessage
			num, source, geom   string
			output, interpolate bool
		)
		if err := rows.Scan(&id, &version, &names, &num, &source, &output, &interpolate, &props, &geom); err != nil {
			return nil, eris.Wrap(err, "geospatial: scan candidate row")
		}
		c, err := candidate(id, version, names, num, source, output, interpolate, props, geom)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geospatial: iterate candidate rows")
	}
	return out, nil
}

func candidate(id, version int64, names json.RawMessage, number, source string, output, interpolate bool, props json.RawMessage, geom string) (model.Address, error) {
	c := model.Address{
		ID:          model.Int64(id),
		Version:     version,
		Number:      number,
		Source:      model.String(source),
		Output:      output,
		Interpolate: interpolate,
		Props:       model.NewProps(),
	}
	if len(names) > 0 {
		if err := json.Unmarshal(names, &c.Names); err != nil {
			return c, eris.Wrapf(err, "geospatial: decode names of %d", id)
		}
	}
	if len(props) > 0 {
		if err := c.Props.UnmarshalJSON(props); err != nil {
			return c, eris.Wrapf(err, "geospatial: decode props of %d", id)
		}
		c.RestoreFlags()
	}
	pt, err := geometry.DecodePoint(geom)
	if err != nil {
		return c, eris.Wrapf(err, "geospatial: decode geometry of %d", id)
	}
	c.Geom = pt
	return c, nil
}
