package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/config"
)

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite":     SQLite,
		"SQLite3":    SQLite,
		"postgresql": Postgres,
		"pgsql":      Postgres,
		"mariadb":    MySQL,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	d, dsn, err := DSN(config.DatabaseConfig{Driver: "mysql", Host: "db", User: "u", Password: "p", Name: "shop"})
	require.NoError(t, err)
	assert.Equal(t, MySQL, d)
	assert.Contains(t, dsn, "u:p@tcp(db:3306)/shop")
	assert.Contains(t, dsn, "parseTime=true")

	d, dsn, err = DSN(config.DatabaseConfig{Driver: "postgres", Host: "pg", User: "u", Password: "p w", Name: "shop"})
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "postgres://u:p%20w@pg:5432/shop?sslmode=disable", dsn)

	_, dsn, err = DSN(config.DatabaseConfig{Driver: "sqlite3", Path: "/tmp/x.db"})
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=on", dsn)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := NewTestDB(t)
	n, err := db.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var version int
	require.NoError(t, db.Get(&version, `SELECT MAX(version) FROM schema_migrations`))
	assert.Equal(t, len(migrations), version)
}

func TestInsertIDSQLite(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	id1, err := db.InsertID(ctx, `INSERT INTO blocked_senders (email, reason, created_at) VALUES (?, ?, ?)`, "a@x.test", "", Now())
	require.NoError(t, err)
	id2, err := db.InsertID(ctx, `INSERT INTO blocked_senders (email, reason, created_at) VALUES (?, ?, ?)`, "b@x.test", "", Now())
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)

	_, err = db.InsertID(ctx, `INSERT INTO blocked_senders (email, reason, created_at) VALUES (?, ?, ?)`, "a@x.test", "", Now())
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestInsertIDPostgresUsesReturning(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := Wrap(raw, Postgres)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO t (a) VALUES ($1) RETURNING id`)).
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := db.InsertID(context.Background(), `INSERT INTO t (a) VALUES (?)`, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatementsRenderPerDialect(t *testing.T) {
	pg := Statements(Postgres)
	assert.Contains(t, pg[0], "BIGSERIAL PRIMARY KEY")
	assert.Contains(t, pg[1], "CREATE INDEX IF NOT EXISTS")

	my := Statements(MySQL)
	assert.Contains(t, my[0], "AUTO_INCREMENT")
	assert.NotContains(t, my[1], "IF NOT EXISTS")
}

func TestTimestamp(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	ts := Timestamp(time.Date(2024, 5, 1, 12, 0, 0, 999, loc))
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, 11, ts.Hour())
	assert.Zero(t, ts.Nanosecond())
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(context.DeadlineExceeded))
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsUniqueViolation(nil))
}
