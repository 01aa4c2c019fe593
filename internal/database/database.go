// Package database opens the SQL connection and papers over the few
// differences between the supported drivers.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/gotrs-io/shopdesk/internal/config"
)

// Dialect names a supported SQL flavour. The value doubles as the
// database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect maps driver aliases onto a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgsql":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// DB is a sqlx handle that knows its dialect.
type DB struct {
	*sqlx.DB
	Dialect Dialect
}

// Wrap adapts an existing *sql.DB, typically a sqlmock or in-memory
// connection in tests.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlx.NewDb(db, string(dialect)), Dialect: dialect}
}

// DSN builds the driver data source name for cfg.
func DSN(cfg config.DatabaseConfig) (Dialect, string, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return "", "", err
	}
	switch dialect {
	case SQLite:
		path := cfg.Path
		if path == "" {
			path = cfg.Name + ".db"
		}
		if path == ":memory:" {
			return dialect, "file::memory:?cache=shared&_foreign_keys=on", nil
		}
		return dialect, fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path), nil
	case Postgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
			Path:     "/" + cfg.Name,
			RawQuery: url.Values{"sslmode": {orDefault(cfg.SSLMode, "disable")}}.Encode(),
		}
		return dialect, u.String(), nil
	default:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Params = map[string]string{"charset": "utf8mb4"}
		return dialect, mc.FormatDSN(), nil
	}
}

// Open connects and pings the configured database.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if dialect == SQLite {
		// Single writer connection for SQLite.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// InsertID runs an INSERT written with ? placeholders and returns the new
// row's id column.
func (db *DB) InsertID(ctx context.Context, query string, args ...any) (int64, error) {
	return InsertID(ctx, db.DB, db.Dialect, query, args...)
}

// InsertID is DB.InsertID for any executor, typically a *sqlx.Tx.
func InsertID(ctx context.Context, q sqlx.ExtContext, dialect Dialect, query string, args ...any) (int64, error) {
	query = q.Rebind(query)
	if dialect == Postgres {
		var id int64
		if err := q.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Now returns the current time in the form stored in timestamp columns.
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalises t to UTC second precision so values compare
// consistently on every driver, including SQLite's text storage.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// IsConnectionError reports whether err indicates the database is
// unreachable rather than a bad query.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "host is unreachable"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "database is closed"):
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a duplicate-key error from any
// supported driver.
func IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
