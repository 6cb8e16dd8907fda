package geospatial

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/db"
	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// PostgresStore implements AddressStore against PostGIS.
type PostgresStore struct {
	pool db.Pool
}

var _ AddressStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// addressArgs are the column values of a, in column order
// names, number, source, output, interpolate, props, geom.
func addressArgs(a *model.Address) ([]any, error) {
	names := a.Names
	if names == nil {
		names = []model.Name{}
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: marshal names")
	}
	props, err := a.Props.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: marshal props")
	}
	geom, err := geometry.Encode(a.Geom)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: encode geometry")
	}
	return []any{
		string(namesJSON),
		model.NormalizeNumber(a.Number),
		a.Source,
		a.Output,
		a.Interpolate,
		string(props),
		geom,
	}, nil
}

// InsertAddress stores a as a new record at version 1.
func (s *PostgresStore) InsertAddress(ctx context.Context, a *model.Address) (int64, error) {
	args, err := addressArgs(a)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO address (names, number, source, output, interpolate, props, geom)
		VALUES ($1::jsonb, $2, $3, $4, $5, $6::json, ST_GeomFromEWKB(decode($7, 'hex')))
		RETURNING id`,
		args...,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "geospatial: insert address")
	}
	return id, nil
}

const reviseSQL = `
		UPDATE address SET
			version = version + 1,
			names = $3::jsonb,
			number = $4,
			source = $5,
			output = $6,
			interpolate = $7,
			props = $8::json,
			geom = ST_GeomFromEWKB(decode($9, 'hex'))
		WHERE id = $1 AND version = $2`

// ReviseAddress overwrites record a.ID when its stored version equals
// version. A missing row or a newer version yields ErrVersionConflict.
func (s *PostgresStore) ReviseAddress(ctx context.Context, a *model.Address, version int64) error {
	if a.ID == nil {
		return eris.New("geospatial: revise address without id")
	}
	args, err := addressArgs(a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, reviseSQL, append([]any{*a.ID, version}, args...)...)
	if err != nil {
		return eris.Wrapf(err, "geospatial: revise address %d", *a.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVersionConflict, "geospatial: revise address %d at version %d", *a.ID, version)
	}
	return nil
}

// MergeAddresses revises ids[0] with keep and deletes the remaining ids in
// one transaction. Any version mismatch rolls the whole merge back.
func (s *PostgresStore) MergeAddresses(ctx context.Context, keep *model.Address, ids, versions []int64) error {
	if len(ids) < 2 || len(ids) != len(versions) {
		return eris.Errorf("geospatial: merge needs at least two ids with versions, got %d ids and %d versions", len(ids), len(versions))
	}
	if keep.ID == nil || *keep.ID != ids[0] {
		return eris.New("geospatial: merge must keep the first id")
	}
	args, err := addressArgs(keep)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "geospatial: begin merge")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, reviseSQL, append([]any{ids[0], versions[0]}, args...)...)
	if err != nil {
		return eris.Wrapf(err, "geospatial: merge revise %d", ids[0])
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVersionConflict, "geospatial: merge revise %d at version %d", ids[0], versions[0])
	}

	for i := 1; i < len(ids); i++ {
		tag, err := tx.Exec(ctx, "DELETE FROM address WHERE id = $1 AND version = $2", ids[i], versions[i])
		if err != nil {
			return eris.Wrapf(err, "geospatial: merge delete %d", ids[i])
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrVersionConflict, "geospatial: merge delete %d at version %d", ids[i], versions[i])
		}
	}

	return eris.Wrap(tx.Commit(ctx), "geospatial: commit merge")
}
