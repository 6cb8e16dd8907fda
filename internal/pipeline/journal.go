package pipeline

import (
	"github.com/mapbox/pt2itp/internal/conflate"
	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// pruneEvery is how many journal entries accumulate before old ones are
// dropped.
const pruneEvery = 4096

type createdEntry struct {
	seq uint64
	pt  geometry.Point
}

// createJournal remembers the records inserted during a run so a Create
// decided before a nearby insert became visible can be re-decided. Entries
// older than every in-flight retrieval are pruned.
type createJournal struct {
	cfg      conflate.Config
	byNumber map[string][]createdEntry
	size     int
}

func newCreateJournal(cfg conflate.Config) *createJournal {
	return &createJournal{cfg: cfg, byNumber: make(map[string][]createdEntry)}
}

func (j *createJournal) add(a *model.Address, seq uint64) {
	n := model.NormalizeNumber(a.Number)
	j.byNumber[n] = append(j.byNumber[n], createdEntry{seq: seq, pt: a.Geom})
	j.size++
}

// conflicts reports whether a record with a's number was inserted within
// the retrieval radius of a after epoch.
func (j *createJournal) conflicts(a *model.Address, epoch uint64) bool {
	for _, e := range j.byNumber[model.NormalizeNumber(a.Number)] {
		if e.seq <= epoch {
			continue
		}
		if conflate.Within(j.cfg.Metric.Distance(a.Geom, e.pt), j.cfg.Threshold, j.cfg.Epsilon) {
			return true
		}
	}
	return false
}

// prune drops entries every in-flight retrieval already sees.
func (j *createJournal) prune(oldest uint64) {
	for n, entries := range j.byNumber {
		kept := entries[:0]
		for _, e := range entries {
			if e.seq > oldest {
				kept = append(kept, e)
			}
		}
		j.size -= len(entries) - len(kept)
		if len(kept) == 0 {
			delete(j.byNumber, n)
			continue
		}
		j.byNumber[n] = kept
	}
}
