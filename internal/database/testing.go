package database

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
)

// NewTestDB returns a migrated, private in-memory SQLite database that is
// closed when the test ends.
func NewTestDB(tb testing.TB) *DB {
	tb.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())
	raw, err := sqlx.Open(string(SQLite), fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	raw.SetMaxOpenConns(1)
	tb.Cleanup(func() { raw.Close() })

	db := &DB{DB: raw, Dialect: SQLite}
	if _, err := db.Migrate(context.Background()); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}
