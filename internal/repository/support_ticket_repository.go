package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/models"
)

const ticketColumns = `id, subject, status, category, urgency, tone, key_issues, from_email, from_name,
	customer_id, order_id, message_id, created_at, updated_at`

// SupportTicketRepository persists tickets, replies and attachment records.
type SupportTicketRepository struct {
	db *database.DB
}

// NewSupportTicketRepository creates a repository backed by db.
func NewSupportTicketRepository(db *database.DB) *SupportTicketRepository {
	return &SupportTicketRepository{db: db}
}

// CreateTicket inserts t and fills in its ID and timestamps.
func (r *SupportTicketRepository) CreateTicket(ctx context.Context, t *models.Ticket) error {
	now := database.Now()
	if t.Status == "" {
		t.Status = models.TicketStatusNew
	}
	id, err := r.db.InsertID(ctx, `
		INSERT INTO support_tickets (subject, status, category, urgency, tone, key_issues, from_email,
			from_name, customer_id, order_id, message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Subject, t.Status, t.Category, t.Urgency, t.Tone, t.KeyIssues, strings.ToLower(t.FromEmail),
		t.FromName, t.CustomerID, t.OrderID, t.MessageID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	t.ID = id
	t.FromEmail = strings.ToLower(t.FromEmail)
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// GetTicket loads a ticket by id.
func (r *SupportTicketRepository) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	return r.getTicket(ctx, `SELECT `+ticketColumns+` FROM support_tickets WHERE id = ?`, id)
}

// FindTicketByMessageID returns the ticket that was opened by messageID.
func (r *SupportTicketRepository) FindTicketByMessageID(ctx context.Context, messageID string) (*models.Ticket, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	return r.getTicket(ctx, `SELECT `+ticketColumns+` FROM support_tickets
		WHERE message_id = ? ORDER BY id DESC LIMIT 1`, messageID)
}

// FindTicketByReplyMessageID returns the ticket owning the reply with messageID.
func (r *SupportTicketRepository) FindTicketByReplyMessageID(ctx context.Context, messageID string) (*models.Ticket, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	var ticketID int64
	err := r.db.GetContext(ctx, &ticketID, r.db.Rebind(`
		SELECT ticket_id FROM support_replies WHERE message_id = ? ORDER BY id DESC LIMIT 1`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reply %s: %w", messageID, err)
	}
	return r.GetTicket(ctx, ticketID)
}

// FindLatestTicketBySender returns the newest ticket from email whose status
// is one of statuses.
func (r *SupportTicketRepository) FindLatestTicketBySender(ctx context.Context, email string, statuses []models.TicketStatus) (*models.Ticket, error) {
	if email == "" || len(statuses) == 0 {
		return nil, ErrNotFound
	}
	query, args, err := sqlx.In(`SELECT `+ticketColumns+` FROM support_tickets
		WHERE from_email = ? AND status IN (?) ORDER BY created_at DESC, id DESC LIMIT 1`,
		strings.ToLower(email), statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build sender query: %w", err)
	}
	return r.getTicket(ctx, query, args...)
}

// MessageIDKnown reports whether messageID was already stored as a ticket or
// reply.
func (r *SupportTicketRepository) MessageIDKnown(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT (SELECT COUNT(*) FROM support_tickets WHERE message_id = ?)
		     + (SELECT COUNT(*) FROM support_replies WHERE message_id = ?)`), messageID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
	return n > 0, nil
}

// UpdateStatus sets the ticket status and bumps updated_at.
func (r *SupportTicketRepository) UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE support_tickets SET status = ?, updated_at = ? WHERE id = ?`), status, database.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket %d status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTicketLinks fills customer_id and order_id where they are still
// empty. Existing links are never replaced.
func (r *SupportTicketRepository) UpdateTicketLinks(ctx context.Context, id int64, customerID, orderID *int64) error {
	if customerID == nil && orderID == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE support_tickets
		SET customer_id = COALESCE(customer_id, ?), order_id = COALESCE(order_id, ?)
		WHERE id = ?`), customerID, orderID, id)
	if err != nil {
		return fmt.Errorf("failed to link ticket %d: %w", id, err)
	}
	return nil
}

// ListTickets returns tickets newest first.
func (r *SupportTicketRepository) ListTickets(ctx context.Context, f models.TicketFilter) ([]*models.Ticket, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.FromEmail != "" {
		where = append(where, "from_email = ?")
		args = append(args, strings.ToLower(f.FromEmail))
	}
	query := `SELECT ` + ticketColumns + ` FROM support_tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var tickets []*models.Ticket
	if err := r.db.SelectContext(ctx, &tickets, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

// AddReply appends a reply to its ticket and bumps the ticket's updated_at.
func (r *SupportTicketRepository) AddReply(ctx context.Context, reply *models.Reply) error {
	return r.AppendReply(ctx, reply, "", nil)
}

// AppendReply stores reply and, in the same transaction, moves the ticket to
// status (unless empty) and adds note (unless nil). Either all of it is
// committed or none of it is.
func (r *SupportTicketRepository) AppendReply(ctx context.Context, reply *models.Reply, status models.TicketStatus, note *models.Reply) error {
	now := database.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reply transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.insertReply(ctx, tx, reply, now); err != nil {
		return err
	}
	if note != nil {
		note.TicketID = reply.TicketID
		if err := r.insertReply(ctx, tx, note, now); err != nil {
			return err
		}
	}

	query, args := `UPDATE support_tickets SET updated_at = ? WHERE id = ?`, []any{now, reply.TicketID}
	if status != "" {
		query, args = `UPDATE support_tickets SET status = ?, updated_at = ? WHERE id = ?`,
			[]any{status, now, reply.TicketID}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to touch ticket %d: %w", reply.TicketID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reply: %w", err)
	}
	return nil
}

// OpenTicket creates t together with its first reply.
func (r *SupportTicketRepository) OpenTicket(ctx context.Context, t *models.Ticket, first *models.Reply) error {
	now := database.Now()
	if t.Status == "" {
		t.Status = models.TicketStatusNew
	}
	t.FromEmail = strings.ToLower(t.FromEmail)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ticket transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := database.InsertID(ctx, tx, r.db.Dialect, `
		INSERT INTO support_tickets (subject, status, category, urgency, tone, key_issues, from_email,
			from_name, customer_id, order_id, message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Subject, t.Status, t.Category, t.Urgency, t.Tone, t.KeyIssues, t.FromEmail,
		t.FromName, t.CustomerID, t.OrderID, t.MessageID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	first.TicketID = id
	if err := r.insertReply(ctx, tx, first, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ticket: %w", err)
	}
	t.ID = id
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (r *SupportTicketRepository) insertReply(ctx context.Context, tx *sqlx.Tx, reply *models.Reply, now time.Time) error {
	id, err := database.InsertID(ctx, tx, r.db.Dialect, `
		INSERT INTO support_replies (ticket_id, author_type, author_email, author_name, body, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reply.TicketID, reply.AuthorType, strings.ToLower(reply.AuthorEmail), reply.AuthorName,
		reply.Body, reply.MessageID, now)
	if err != nil {
		return fmt.Errorf("failed to add reply to ticket %d: %w", reply.TicketID, err)
	}
	reply.ID = id
	reply.CreatedAt = now
	return nil
}

// ListReplies returns a ticket's conversation oldest first.
func (r *SupportTicketRepository) ListReplies(ctx context.Context, ticketID int64) ([]*models.Reply, error) {
	var replies []*models.Reply
	err := r.db.SelectContext(ctx, &replies, r.db.Rebind(`
		SELECT id, ticket_id, author_type, author_email, author_name, body, message_id, created_at
		FROM support_replies WHERE ticket_id = ? ORDER BY created_at ASC, id ASC`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replies for ticket %d: %w", ticketID, err)
	}
	return replies, nil
}

// AddAttachment records a stored file.
func (r *SupportTicketRepository) AddAttachment(ctx context.Context, a *models.Attachment) error {
	now := database.Now()
	id, err := r.db.InsertID(ctx, `
		INSERT INTO support_attachments (ticket_id, reply_id, filename, stored_path, content_type, size, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TicketID, a.ReplyID, a.Filename, a.StoredPath, a.ContentType, a.Size, a.Checksum, now)
	if err != nil {
		return fmt.Errorf("failed to record attachment %s: %w", a.Filename, err)
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

// ListAttachments returns every attachment stored for a ticket.
func (r *SupportTicketRepository) ListAttachments(ctx context.Context, ticketID int64) ([]*models.Attachment, error) {
	var out []*models.Attachment
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT id, ticket_id, reply_id, filename, stored_path, content_type, size, checksum, created_at
		FROM support_attachments WHERE ticket_id = ? ORDER BY id ASC`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments for ticket %d: %w", ticketID, err)
	}
	return out, nil
}

func (r *SupportTicketRepository) getTicket(ctx context.Context, query string, args ...any) (*models.Ticket, error) {
	var t models.Ticket
	err := r.db.GetContext(ctx, &t, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return &t, nil
}
