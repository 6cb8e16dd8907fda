package geospatial

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapbox/pt2itp/internal/db"
)

// TableStats holds size and row count information for a persistent table.
type TableStats struct {
	TableName  string `json:"table_name"`
	RowCount   int64  `json:"row_count"`
	TotalSize  string `json:"total_size"`
	IndexSize  string `json:"index_size"`
	HasSpatial bool   `json:"has_spatial"`
}

// Tables are the persistent tables created by Migrate.
var Tables = []string{AddressTable, NetworkTable}

// VacuumAnalyze refreshes planner statistics for tables, or for every
// persistent table when none are given. Run after a bulk import so
// candidate retrieval picks the spatial index.
func VacuumAnalyze(ctx context.Context, pool db.Pool, tables ...string) error {
	if len(tables) == 0 {
		tables = Tables
	}
	for _, table := range tables {
		if err := validateTable(table); err != nil {
			return err
		}
		zap.L().Info("geospatial: vacuum analyze", zap.String("table", table))
		if _, err := pool.Exec(ctx, "VACUUM ANALYZE "+pgx.Identifier{table}.Sanitize()); err != nil {
			return eris.Wrapf(err, "geospatial: vacuum analyze %s", table)
		}
	}
	return nil
}

// GetTableStats returns size and row count statistics for the persistent
// tables.
func GetTableStats(ctx context.Context, pool db.Pool) ([]TableStats, error) {
	sql := `
		SELECT
			relname AS table_name,
			n_live_tup AS row_count,
			pg_size_pretty(pg_total_relation_size(relid)) AS total_size,
			pg_size_pretty(pg_indexes_size(relid)) AS index_size,
			EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = s.schemaname AND tablename = s.relname
				AND indexdef LIKE '%USING gist%'
			) AS has_spatial
		FROM pg_stat_user_tables s
		WHERE relname = ANY($1)
		ORDER BY relname
	`
	rows, err := pool.Query(ctx, sql, Tables)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: query table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.RowCount, &s.TotalSize, &s.IndexSize, &s.HasSpatial); err != nil {
			return nil, eris.Wrap(err, "geospatial: scan table stats row")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geospatial: iterate table stats rows")
	}
	return stats, nil
}

func validateTable(table string) error {
	for _, t := range Tables {
		if t == table {
			return nil
		}
	}
	return eris.Errorf("geospatial: invalid table name %q", table)
}
