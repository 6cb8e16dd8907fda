package db

import (
	"context"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// CopySink consumes a PostgreSQL text-format COPY stream.
type CopySink interface {
	CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error)
}

// PoolCopySink runs COPY ... FROM STDIN on a connection taken from Pool.
type PoolCopySink struct {
	Pool *pgxpool.Pool
}

// CopyFrom streams r to the server and returns the number of rows copied.
func (s PoolCopySink) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: acquire connection for COPY")
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, eris.Wrap(err, "db: COPY FROM STDIN")
	}
	return tag.RowsAffected(), nil
}

// CopySQL builds a text-format COPY statement for table and columns.
func CopySQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return "COPY " + sanitizeTable(table) + " (" + strings.Join(quoted, ", ") + ") FROM STDIN"
}

// sanitizeTable handles schema-qualified table names like "public.address".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// AppendText appends s escaped for a COPY text column.
func AppendText(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// AppendNull appends the COPY text NULL marker.
func AppendNull(dst []byte) []byte {
	return append(dst, '\\', 'N')
}

// AppendRow appends cols as one tab-separated, newline-terminated row. A nil
// column is written as NULL.
func AppendRow(dst []byte, cols ...*string) []byte {
	for i, c := range cols {
		if i > 0 {
			dst = append(dst, '\t')
		}
		if c == nil {
			dst = AppendNull(dst)
			continue
		}
		dst = AppendText(dst, *c)
	}
	return append(dst, '\n')
}
