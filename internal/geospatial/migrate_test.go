package geospatial

import (
	"context"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func expectAdvisoryLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectAdvisoryUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestMigrationFiles_Ordered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_tables.sql", "002_indexes.sql"}, names)

	data, err := migrationFS.ReadFile("migrations/001_tables.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "GEOMETRY(POINT, 4326)")
	assert.Contains(t, string(data), "props       JSON NOT NULL")
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := migrationFiles()
	require.NoError(t, err)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, name := range names {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	expectAdvisoryUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_Idempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := migrationFiles()
	require.NoError(t, err)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	rows := pgxmock.NewRows([]string{"filename"})
	for _, name := range names {
		rows.AddRow(name)
	}
	mock.ExpectQuery("SELECT filename FROM schema_migrations").WillReturnRows(rows)
	expectAdvisoryUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_PartiallyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_tables.sql"))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("002_indexes.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectAdvisoryUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AdvisoryLockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(migrationLockID).
		WillReturnError(fmt.Errorf("could not obtain lock"))

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire migration advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_EnsureTableError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnError(fmt.Errorf("permission denied"))
	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure migration table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(".*").WillReturnError(fmt.Errorf(`extension "postgis" is not available`))
	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 001_tables.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RecordError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("001_tables.sql").
		WillReturnError(fmt.Errorf("disk full"))
	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record migration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppliedMigrations_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnError(fmt.Errorf("connection lost"))

	_, err = appliedMigrations(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query applied migrations")
	assert.NoError(t, mock.ExpectationsWereMet())
}
