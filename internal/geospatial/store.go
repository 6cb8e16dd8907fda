// Package geospatial owns the persistent PostGIS state: schema migrations,
// optimistic writes of conflated addresses, and spatial candidate
// retrieval.
package geospatial

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/model"
)

// Persistent table names.
const (
	AddressTable = "address"
	NetworkTable = "network"
)

// ErrVersionConflict is returned when a write targets a record whose
// version changed since it was read.
var ErrVersionConflict = eris.New("geospatial: version conflict")

// AddressStore applies conflation decisions to the persistent address
// table. Every write that targets an existing record is conditional on the
// version observed at retrieval time.
type AddressStore interface {
	// InsertAddress stores a new record and returns its id.
	InsertAddress(ctx context.Context, a *model.Address) (int64, error)

	// ReviseAddress replaces the stored record a.ID if its version still
	// equals version, and bumps the version.
	ReviseAddress(ctx context.Context, a *model.Address, version int64) error

	// MergeAddresses revises the record keep and deletes every other id in
	// ids, atomically. versions[i] is the version observed for ids[i].
	MergeAddresses(ctx context.Context, keep *model.Address, ids, versions []int64) error
}
