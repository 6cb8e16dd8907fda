package errsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLite stores entries in a review queue table.
type SQLite struct {
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS error_queue (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	record     TEXT,
	line       INTEGER,
	raw        TEXT,
	candidates TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_error_queue_status ON error_queue(status);
CREATE INDEX IF NOT EXISTS idx_error_queue_kind ON error_queue(kind);
`

// OpenSQLite opens the queue at dsn and creates its table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "errsink: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "errsink: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "errsink: sqlite migrate")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Report(ctx context.Context, e Entry) error {
	e = stamp(e)
	var candidates []byte
	if len(e.Candidates) > 0 {
		var err error
		if candidates, err = json.Marshal(e.Candidates); err != nil {
			return eris.Wrap(err, "errsink: marshal candidates")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_queue (id, stage, kind, reason, record, line, raw, candidates, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Stage, e.Kind, e.Reason, e.Record, e.Line, e.Raw, string(candidates), e.Time.Format(time.RFC3339Nano),
	)
	return eris.Wrap(err, "errsink: sqlite insert")
}

// Pending lists entries not yet reviewed, oldest first.
func (s *SQLite) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, kind, reason, record, line, raw, candidates, created_at
		 FROM error_queue WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "errsink: sqlite query pending")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			candidates string
			created    string
		)
		if err := rows.Scan(&e.ID, &e.Stage, &e.Kind, &e.Reason, &e.Record, &e.Line, &e.Raw, &candidates, &created); err != nil {
			return nil, eris.Wrap(err, "errsink: sqlite scan")
		}
		if candidates != "" {
			if err := json.Unmarshal([]byte(candidates), &e.Candidates); err != nil {
				return nil, eris.Wrapf(err, "errsink: decode candidates of %s", e.ID)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.Time = t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "errsink: sqlite rows")
}

// Resolve marks an entry as reviewed.
func (s *SQLite) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE error_queue SET status = 'resolved' WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "errsink: sqlite resolve")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("errsink: entry %s not found", id)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
