// Package mailqueue persists outbound mail and drains it with bounded retry.
package mailqueue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/models"
)

// MaxAttempts is the number of failed sends after which an email is
// failed permanently.
const MaxAttempts = 3

// RetryDelayBase is the wait after the first failed send. Each further
// failure multiplies it by five: 5m, 25m, 125m.
const RetryDelayBase = 5 * time.Minute

// RetryDelay returns how long a row waits after its attempts-th failure.
func RetryDelay(attempts int) time.Duration {
	delay := RetryDelayBase
	for i := 1; i < attempts; i++ {
		delay *= 5
	}
	return delay
}

// Status is the lifecycle state of a queued email.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

var (
	// ErrNotClaimed means another worker moved the row out of pending first.
	ErrNotClaimed = errors.New("queue item already claimed")
	// ErrNotFailed is returned when retrying an item that is not failed.
	ErrNotFailed = errors.New("queue item is not failed")
	// ErrNotFound is returned for an unknown queue id.
	ErrNotFound = errors.New("queue item not found")
)

// Headers are extra message headers stored as a JSON object.
type Headers map[string]string

// Value implements driver.Valuer.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *Headers) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("Headers: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*h = nil
		return nil
	}
	return json.Unmarshal(raw, (*map[string]string)(h))
}

// Email is one row of the outbound queue.
type Email struct {
	ID           int64             `json:"id" db:"id"`
	To           string            `json:"to_email" db:"to_email"`
	Subject      string            `json:"subject" db:"subject"`
	Message      string            `json:"message" db:"message"`
	Headers      Headers           `json:"headers" db:"headers"`
	Attachments  models.StringList `json:"attachments" db:"attachments"`
	Status       Status            `json:"status" db:"status"`
	Attempts     int               `json:"attempts" db:"attempts"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
	ScheduledFor time.Time         `json:"scheduled_for" db:"scheduled_for"`
	SentAt       *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
}

// QueueStatus summarises the queue for operators.
type QueueStatus struct {
	Pending        int      `json:"pending" db:"pending"`
	Processing     int      `json:"processing" db:"processing"`
	SentLast24h    int      `json:"sent_last_24h" db:"sent_last_24h"`
	Failed         int      `json:"failed" db:"failed"`
	ReadyNow       int      `json:"ready_now" db:"ready_now"`
	RecentFailures []*Email `json:"recent_failures"`
}

const emailColumns = `id, to_email, subject, COALESCE(message, '') AS message, headers, attachments, status,
	attempts, COALESCE(error_message, '') AS error_message, created_at, updated_at, scheduled_for, sent_at`

// Repository handles database operations for the email queue.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new email queue repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert adds e as a pending row and returns its id. A zero ScheduledFor
// means now.
func (r *Repository) Insert(ctx context.Context, e *Email, now time.Time) (int64, error) {
	e.To = strings.TrimSpace(e.To)
	if _, err := mail.ParseAddress(e.To); err != nil {
		return 0, fmt.Errorf("invalid recipient %q: %w", e.To, err)
	}
	now = database.Timestamp(now)
	if e.ScheduledFor.IsZero() {
		e.ScheduledFor = now
	}
	e.ScheduledFor = database.Timestamp(e.ScheduledFor)
	e.Status = StatusPending
	e.Attempts = 0
	e.CreatedAt, e.UpdatedAt = now, now

	id, err := r.db.InsertID(ctx, `
		INSERT INTO email_queue (to_email, subject, message, headers, attachments, status, attempts,
			error_message, created_at, updated_at, scheduled_for)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		e.To, e.Subject, e.Message, e.Headers, e.Attachments, e.Status, now, now, e.ScheduledFor)
	if err != nil {
		return 0, fmt.Errorf("failed to insert email queue item: %w", err)
	}
	e.ID = id
	return id, nil
}

// Get loads one row.
func (r *Repository) Get(ctx context.Context, id int64) (*Email, error) {
	var e Email
	err := r.db.GetContext(ctx, &e, r.db.Rebind(`SELECT `+emailColumns+` FROM email_queue WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email queue item %d: %w", id, err)
	}
	return &e, nil
}

// Due returns pending rows scheduled at or before now, earliest first.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*Email, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []*Email
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(`
		SELECT `+emailColumns+`
		FROM email_queue
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?`), StatusPending, database.Timestamp(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due emails: %w", err)
	}
	return items, nil
}

// Claim moves a row from pending to processing. It returns ErrNotClaimed
// when the row is no longer pending.
func (r *Repository) Claim(ctx context.Context, id int64, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE email_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`), StatusProcessing, database.Timestamp(now), id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to claim email %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim email %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkSent records a successful send.
func (r *Repository) MarkSent(ctx context.Context, id int64, now time.Time) error {
	now = database.Timestamp(now)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE email_queue SET status = ?, sent_at = ?, updated_at = ?, error_message = ''
		WHERE id = ?`), StatusSent, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark email %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. attempts is the count before this
// attempt; the row returns to pending, rescheduled after RetryDelay, until
// MaxAttempts is reached and is failed permanently after that. The resulting
// status is returned.
func (r *Repository) MarkFailed(ctx context.Context, id int64, attempts int, sendErr error, now time.Time) (Status, error) {
	next := attempts + 1
	status := StatusPending
	if next >= MaxAttempts {
		status = StatusFailed
	}
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}
	now = database.Timestamp(now)
	query, args := `UPDATE email_queue SET status = ?, attempts = ?, error_message = ?, updated_at = ?
		WHERE id = ?`, []any{status, next, msg, now, id}
	if status == StatusPending {
		query, args = `UPDATE email_queue SET status = ?, attempts = ?, error_message = ?, updated_at = ?, scheduled_for = ?
		WHERE id = ?`, []any{status, next, msg, now, now.Add(RetryDelay(next)), id}
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return "", fmt.Errorf("failed to record failure for email %d: %w", id, err)
	}
	return status, nil
}

// RetryFailed resets a failed row to pending with zero attempts.
func (r *Repository) RetryFailed(ctx context.Context, id int64, now time.Time) error {
	now = database.Timestamp(now)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE email_queue SET status = ?, attempts = 0, error_message = '', scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status = ?`), StatusPending, now, now, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to retry email %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotFailed
	}
	return nil
}

// ReleaseStale returns rows stuck in processing since before cutoff to
// pending, e.g. after a crash mid-send.
func (r *Repository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE email_queue SET status = ? WHERE status = ? AND updated_at < ?`),
		StatusPending, StatusProcessing, database.Timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale emails: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes sent rows whose sent_at is before cutoff.
func (r *Repository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM email_queue WHERE status = ? AND sent_at < ?`), StatusSent, database.Timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sent emails: %w", err)
	}
	return res.RowsAffected()
}

// Status counts rows per state and lists the five most recent failures.
func (r *Repository) Status(ctx context.Context, now time.Time) (*QueueStatus, error) {
	now = database.Timestamp(now)
	var st QueueStatus
	err := r.db.GetContext(ctx, &st, r.db.Rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN status = 'sent' AND sent_at >= ? THEN 1 ELSE 0 END), 0) AS sent_last_24h,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'pending' AND scheduled_for <= ? THEN 1 ELSE 0 END), 0) AS ready_now
		FROM email_queue`), now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue status: %w", err)
	}
	err = r.db.SelectContext(ctx, &st.RecentFailures, r.db.Rebind(`
		SELECT `+emailColumns+` FROM email_queue WHERE status = ?
		ORDER BY updated_at DESC, id DESC LIMIT 5`), StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent failures: %w", err)
	}
	return &st, nil
}
