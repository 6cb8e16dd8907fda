package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/geospatial"
	"github.com/mapbox/pt2itp/internal/model"
)

// memStore is an in-memory AddressStore with the same optimistic version
// semantics as the PostGIS store.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*model.Address
	writes  int

	// conflicts forces this many version conflicts on a record, bumping its
	// version each time as a concurrent writer would.
	conflicts map[int64]int
	// writeErr fails every write with this error.
	writeErr error
}

var _ geospatial.AddressStore = (*memStore)(nil)

func newMemStore(seed ...*model.Address) *memStore {
	s := &memStore{nextID: 1, records: make(map[int64]*model.Address), conflicts: make(map[int64]int)}
	for _, a := range seed {
		c := a.Clone()
		c.Number = model.NormalizeNumber(c.Number)
		if c.Version == 0 {
			c.Version = 1
		}
		s.records[*c.ID] = c
		if *c.ID >= s.nextID {
			s.nextID = *c.ID + 1
		}
	}
	return s
}

func (s *memStore) InsertAddress(_ context.Context, a *model.Address) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	c := a.Clone()
	c.ID = model.Int64(s.nextID)
	c.Version = 1
	c.Number = model.NormalizeNumber(c.Number)
	s.records[s.nextID] = c
	s.nextID++
	s.writes++
	return *c.ID, nil
}

// check must be called with mu held.
func (s *memStore) check(id, version int64) error {
	cur, ok := s.records[id]
	if !ok {
		return eris.Wrapf(geospatial.ErrVersionConflict, "record %d is gone", id)
	}
	if s.conflicts[id] > 0 {
		s.conflicts[id]--
		cur.Version++
	}
	if cur.Version != version {
		return eris.Wrapf(geospatial.ErrVersionConflict, "record %d at version %d", id, cur.Version)
	}
	return nil
}

func (s *memStore) ReviseAddress(_ context.Context, a *model.Address, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := s.check(*a.ID, version); err != nil {
		return err
	}
	c := a.Clone()
	c.Version = version + 1
	c.Number = model.NormalizeNumber(c.Number)
	s.records[*a.ID] = c
	s.writes++
	return nil
}

func (s *memStore) MergeAddresses(_ context.Context, keep *model.Address, ids, versions []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	for i, id := range ids {
		if err := s.check(id, versions[i]); err != nil {
			return err
		}
	}
	c := keep.Clone()
	c.Version = versions[0] + 1
	c.Number = model.NormalizeNumber(c.Number)
	s.records[ids[0]] = c
	for _, id := range ids[1:] {
		delete(s.records, id)
	}
	s.writes++
	return nil
}

func (s *memStore) get(id int64) (*model.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	return a, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// memRetriever finds candidates in a memStore the way the PostGIS
// retriever does: same normalized number, within the radius.
type memRetriever struct {
	store *memStore
	cfg   conflate.Config

	mu   sync.Mutex
	errs map[string]error
}

func newMemRetriever(s *memStore, cfg conflate.Config) *memRetriever {
	cfg, _ = cfg.Normalize()
	return &memRetriever{store: s, cfg: cfg, errs: make(map[string]error)}
}

// failOn makes lookups for number fail with err.
func (r *memRetriever) failOn(number string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[number] = err
}

func (r *memRetriever) FindCandidates(ctx context.Context, a *model.Address) ([]model.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	number := model.NormalizeNumber(a.Number)

	r.mu.Lock()
	err := r.errs[number]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := []model.Address{}
	for _, c := range r.store.records {
		if c.Number != number {
			continue
		}
		if !conflate.Within(r.cfg.Metric.Distance(a.Geom, c.Geom), r.cfg.Threshold, r.cfg.Epsilon) {
			continue
		}
		out = append(out, *c.Clone())
	}
	return out, nil
}
