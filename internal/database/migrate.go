package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// Column type placeholders expanded per dialect.
var dialectTypes = map[Dialect]*strings.Replacer{
	SQLite: strings.NewReplacer(
		"{{PK}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{TEXT}}", "TEXT",
		"{{BLOB}}", "BLOB",
		"{{TS}}", "DATETIME",
	),
	Postgres: strings.NewReplacer(
		"{{PK}}", "BIGSERIAL PRIMARY KEY",
		"{{TEXT}}", "TEXT",
		"{{BLOB}}", "BYTEA",
		"{{TS}}", "TIMESTAMP",
	),
	MySQL: strings.NewReplacer(
		"{{PK}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
		"{{TEXT}}", "LONGTEXT",
		"{{BLOB}}", "LONGBLOB",
		"{{TS}}", "DATETIME",
	),
}

var migrations = []migration{
	{
		version: 1,
		name:    "support tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS support_tickets (
				id {{PK}},
				subject VARCHAR(998) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'new',
				category VARCHAR(50) NOT NULL DEFAULT 'general',
				urgency VARCHAR(20) NOT NULL DEFAULT 'medium',
				tone VARCHAR(20) NOT NULL DEFAULT 'neutral',
				key_issues {{TEXT}},
				from_email VARCHAR(255) NOT NULL,
				from_name VARCHAR(255) NOT NULL DEFAULT '',
				customer_id BIGINT NULL,
				order_id BIGINT NULL,
				message_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX idx_support_tickets_message_id ON support_tickets (message_id)`,
			`CREATE INDEX idx_support_tickets_sender ON support_tickets (from_email, status)`,
			`CREATE TABLE IF NOT EXISTS support_replies (
				id {{PK}},
				ticket_id BIGINT NOT NULL,
				author_type VARCHAR(20) NOT NULL,
				author_email VARCHAR(255) NOT NULL DEFAULT '',
				author_name VARCHAR(255) NOT NULL DEFAULT '',
				body {{TEXT}},
				message_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX idx_support_replies_ticket ON support_replies (ticket_id, created_at)`,
			`CREATE INDEX idx_support_replies_message_id ON support_replies (message_id)`,
			`CREATE TABLE IF NOT EXISTS support_attachments (
				id {{PK}},
				ticket_id BIGINT NOT NULL,
				reply_id BIGINT NULL,
				filename VARCHAR(255) NOT NULL,
				stored_path VARCHAR(1024) NOT NULL,
				content_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL DEFAULT 0,
				checksum VARCHAR(64) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX idx_support_attachments_ticket ON support_attachments (ticket_id)`,
		},
	},
	{
		version: 2,
		name:    "email queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS email_queue (
				id {{PK}},
				to_email VARCHAR(255) NOT NULL,
				subject VARCHAR(998) NOT NULL DEFAULT '',
				message {{TEXT}},
				headers {{TEXT}},
				attachments {{TEXT}},
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				attempts INT NOT NULL DEFAULT 0,
				error_message {{TEXT}},
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL,
				scheduled_for {{TS}} NOT NULL,
				sent_at {{TS}} NULL
			)`,
			`CREATE INDEX idx_email_queue_due ON email_queue (status, scheduled_for)`,
		},
	},
	{
		version: 3,
		name:    "commerce directory",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS shop_customers (
				id {{PK}},
				email VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX idx_shop_customers_email ON shop_customers (email)`,
			`CREATE TABLE IF NOT EXISTS shop_orders (
				id {{PK}},
				customer_id BIGINT NULL,
				billing_email VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX idx_shop_orders_billing_email ON shop_orders (billing_email)`,
		},
	},
	{
		version: 4,
		name:    "blocked senders",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS blocked_senders (
				id {{PK}},
				email VARCHAR(255) NOT NULL,
				reason VARCHAR(255) NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL
			)`,
			`CREATE UNIQUE INDEX idx_blocked_senders_email ON blocked_senders (email)`,
		},
	},
}

// Statements returns the DDL of every migration rendered for dialect.
func Statements(dialect Dialect) []string {
	r := dialectTypes[dialect]
	var out []string
	for _, m := range migrations {
		for _, s := range m.statements {
			out = append(out, render(r, dialect, s))
		}
	}
	return out
}

func render(r *strings.Replacer, dialect Dialect, stmt string) string {
	stmt = r.Replace(stmt)
	if dialect != MySQL && strings.HasPrefix(stmt, "CREATE ") && strings.Contains(stmt, " INDEX ") {
		stmt = strings.Replace(stmt, " INDEX ", " INDEX IF NOT EXISTS ", 1)
	}
	return stmt
}

// Migrate applies every migration newer than the recorded schema version
// and returns how many ran.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	r, ok := dialectTypes[db.Dialect]
	if !ok {
		return 0, fmt.Errorf("no migrations for dialect %q", db.Dialect)
	}
	if _, err := db.ExecContext(ctx, r.Replace(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at {{TS}} NOT NULL
	)`)); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := db.ExecContext(ctx, render(r, db.Dialect, stmt)); err != nil {
				if db.Dialect == MySQL && isDuplicateIndex(err) {
					continue
				}
				return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := db.ExecContext(ctx,
			db.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
			m.version, m.name, Now()); err != nil {
			return applied, fmt.Errorf("record migration %d: %w", m.version, err)
		}
		log.Printf("applied migration %d: %s", m.version, m.name)
		applied++
	}
	return applied, nil
}

func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}
