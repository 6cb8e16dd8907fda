// Package errsink records per-record failures so a run can continue past
// them. Entries are reviewed after the run.
package errsink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapbox/pt2itp/internal/resilience"
)

// Entry kinds.
const (
	KindRecord    = "record"
	KindAmbiguous = "ambiguous"
	KindRetry     = "retry_exhausted"
	KindError     = "error"
)

// Entry is one routed failure.
type Entry struct {
	ID         string    `json:"id"`
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	Record     string    `json:"record,omitempty"`
	Line       int64     `json:"line,omitempty"`
	Raw        string    `json:"raw,omitempty"`
	Candidates []int64   `json:"candidates,omitempty"`
	Time       time.Time `json:"time"`
}

// Sink receives entries. Implementations are safe for concurrent use.
type Sink interface {
	Report(ctx context.Context, e Entry) error
	Close() error
}

type candidateLister interface {
	CandidateIDs() []int64
}

// New builds an entry for err. The kind follows the error type: an
// ambiguous match carries its candidate ids.
func New(stage, record string, err error) Entry {
	e := Entry{Stage: stage, Record: record, Kind: KindError}
	if err == nil {
		return e
	}
	e.Reason = err.Error()

	var cl candidateLister
	var re *resilience.RecordError
	switch {
	case errors.As(err, &cl):
		e.Kind = KindAmbiguous
		e.Candidates = cl.CandidateIDs()
	case errors.As(err, &re):
		e.Kind = KindRecord
		if e.Record == "" {
			e.Record = re.Record
		}
	}
	return e
}

// stamp fills the id and timestamp when unset.
func stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Open returns the sink described by target:
//
//	""                 discard
//	"sqlite://<path>"  SQLite review queue
//	anything else      JSON lines file, zstd or gzip by extension
func Open(ctx context.Context, target string) (Sink, error) {
	switch {
	case target == "":
		return &Discard{}, nil
	case strings.HasPrefix(target, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(target, "sqlite://"))
	default:
		return OpenFile(target)
	}
}

// Memory keeps entries in memory. Used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Report(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, stamp(e))
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of recorded entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

// Discard counts entries and drops them.
type Discard struct {
	mu sync.Mutex
	n  int
}

func (d *Discard) Report(_ context.Context, _ Entry) error {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	return nil
}

// Count returns how many entries were reported.
func (d *Discard) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *Discard) Close() error { return nil }
